package osops

import (
	"context"
	"errors"
	"strings"

	"github.com/truenas/middleware-sub000/internal/runtime"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	handlerpkg "github.com/truenas/middleware-sub000/internal/runtime/handlers"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
)

type controlArgs struct {
	Verb    string `json:"verb"`
	Service string `json:"service"`
}

type startedArgs struct {
	Service string `json:"service"`
}

type getACLArgs struct {
	Path string `json:"path"`
}

type setACLArgs struct {
	Path    string     `json:"path"`
	DACL    []ACLEntry `json:"dacl"`
	Options struct {
		Recursive bool `json:"recursive"`
	} `json:"options"`
}

func resultOf(name string, t *schema.Model) *schema.Model {
	return schema.Record(name, schema.Required("result", t))
}

// Register exposes ops as service.control, service.started,
// filesystem.getacl and filesystem.setacl.
func Register(svc *runtime.Service, ops Services) error {
	if ops == nil {
		return errors.New("middleware: os services are required")
	}
	serviceName := schema.String(schema.Pattern(unitName.String()))

	perms := schema.Record("FilesystemAclPerms",
		schema.WithDefault("READ", schema.Bool(), false),
		schema.WithDefault("WRITE", schema.Bool(), false),
		schema.WithDefault("EXECUTE", schema.Bool(), false),
	)
	entry := schema.Record("FilesystemAclEntry",
		schema.Required("tag", schema.Enum("FilesystemAclTag", TagUser, TagGroup, TagMask, TagOther)),
		schema.WithDefault("id", schema.Int(schema.Min(-1)), -1),
		schema.Required("perms", perms),
		schema.WithDefault("default", schema.Bool(), false),
	)
	acl := schema.Record("FilesystemAcl",
		schema.Required("path", schema.Path()),
		schema.Required("uid", schema.Int()),
		schema.Required("gid", schema.Int()),
		schema.Required("flags", schema.ArrayOf(schema.String())),
		schema.Required("acl", schema.ArrayOf(entry)),
	)

	err := runtime.RegisterTypedMethod(svc, runtime.TypedMethodRegistration[*controlArgs, bool]{
		Method: methods.Method{
			Service:     "service",
			Name:        "control",
			Description: "Start, stop, restart or reload a system service.",
			Accepts: schema.Record("ServiceControlArgs",
				schema.Required("verb", schema.Enum("ServiceControlVerb", "START", "STOP", "RESTART", "RELOAD")),
				schema.Required("service", serviceName),
			),
			Returns:     resultOf("ServiceControlResult", schema.Bool()),
			Roles:       []string{"SERVICE_WRITE"},
			Class:       methods.ClassBlocking,
			Audit:       "Service control",
			LockKeyFunc: func(args map[string]any) string { return "service.control." + toString(args["service"]) },
			Job:         &methods.JobOptions{},
		},
		Handler: func(ctx context.Context, call handlerpkg.TypedCall[*controlArgs]) (bool, error) {
			call.Call.Audit(call.Args.Verb + " " + call.Args.Service)
			if job := call.Call.Job; job != nil {
				job.SetProgress(0, strings.ToLower(call.Args.Verb)+" "+call.Args.Service, nil)
			}
			if err := ops.SystemdUnitAction(ctx, call.Args.Service, strings.ToLower(call.Args.Verb)); err != nil {
				return false, err
			}
			if job := call.Call.Job; job != nil {
				job.SetProgress(100, "done", nil)
			}
			return true, nil
		},
	})
	if err != nil {
		return err
	}

	err = runtime.RegisterTypedMethod(svc, runtime.TypedMethodRegistration[*startedArgs, bool]{
		Method: methods.Method{
			Service:     "service",
			Name:        "started",
			Description: "Whether a system service is running.",
			Accepts:     schema.Record("ServiceStartedArgs", schema.Required("service", serviceName)),
			Returns:     resultOf("ServiceStartedResult", schema.Bool()),
			Roles:       []string{"SERVICE_READ"},
			Class:       methods.ClassBlocking,
		},
		Handler: func(ctx context.Context, call handlerpkg.TypedCall[*startedArgs]) (bool, error) {
			err := ops.SystemdUnitAction(ctx, call.Args.Service, "is-active")
			if errspkg.KindOf(err) == errspkg.KindNotFound {
				return false, nil
			}
			return err == nil, err
		},
	})
	if err != nil {
		return err
	}

	err = runtime.RegisterTypedMethod(svc, runtime.TypedMethodRegistration[*getACLArgs, *ACL]{
		Method: methods.Method{
			Service:     "filesystem",
			Name:        "getacl",
			Description: "Return the POSIX ACL of a path.",
			Accepts:     schema.Record("FilesystemGetaclArgs", schema.Required("path", schema.Path())),
			Returns:     resultOf("FilesystemGetaclResult", acl),
			Roles:       []string{"FILESYSTEM_ATTRS_READ"},
			Class:       methods.ClassBlocking,
		},
		Handler: func(ctx context.Context, call handlerpkg.TypedCall[*getACLArgs]) (*ACL, error) {
			return ops.GetACL(ctx, call.Args.Path)
		},
	})
	if err != nil {
		return err
	}

	return runtime.RegisterTypedMethod(svc, runtime.TypedMethodRegistration[*setACLArgs, any]{
		Method: methods.Method{
			Service:     "filesystem",
			Name:        "setacl",
			Description: "Replace the POSIX ACL of a path.",
			Accepts: schema.Record("FilesystemSetaclArgs",
				schema.Required("path", schema.Path()),
				schema.Required("dacl", schema.ArrayOf(entry)),
				schema.WithDefault("options", schema.Record("FilesystemSetaclOptions",
					schema.WithDefault("recursive", schema.Bool(), false),
				), map[string]any{}),
			),
			Returns:     resultOf("FilesystemSetaclResult", schema.Nullable(schema.Any())),
			Roles:       []string{"FILESYSTEM_ATTRS_WRITE"},
			Class:       methods.ClassBlocking,
			Audit:       "Filesystem set ACL",
			LockKeyFunc: func(args map[string]any) string { return "filesystem.setacl." + toString(args["path"]) },
			Job:         &methods.JobOptions{},
		},
		Handler: func(ctx context.Context, call handlerpkg.TypedCall[*setACLArgs]) (any, error) {
			call.Call.Audit(call.Args.Path)
			err := ops.SetACL(ctx, call.Args.Path, &ACL{Path: call.Args.Path, Entries: call.Args.DACL}, call.Args.Options.Recursive)
			return nil, err
		},
	})
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}
