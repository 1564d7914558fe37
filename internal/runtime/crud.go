package runtime

import (
	"context"
	"strconv"
	"strings"

	"github.com/truenas/middleware-sub000/internal/runtime/datastore"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/events"
	"github.com/truenas/middleware-sub000/internal/runtime/filters"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
)

// CRUDService exposes a datastore table as <Service>.query, get_instance,
// create, update and delete. Every change is published on the
// <Service>.query channel.
type CRUDService struct {
	// Service is the dotted namespace, for example "cloud.credential".
	Service string
	// Table defaults to Service with dots replaced by underscores.
	Table string
	// Prefix names the generated models; it defaults to the camel-cased Service.
	Prefix string
	// Entry is the record returned by query; it must carry an id field.
	Entry *schema.Model
	// Create holds the writable fields. Update accepts the same fields as a
	// partial record.
	Create *schema.Model
	// RolePrefix derives <prefix>_READ for query and get_instance and
	// <prefix>_WRITE for the rest.
	RolePrefix string
	Private    bool
	Version    string
	// Validate runs before create and update with the row about to be
	// written and, for updates, the stored row.
	Validate func(ctx context.Context, call *methods.Call, row, old map[string]any) error
}

func (c *CRUDService) table() string {
	if c.Table != "" {
		return c.Table
	}
	return strings.ReplaceAll(c.Service, ".", "_")
}

func (c *CRUDService) prefix() string {
	if c.Prefix != "" {
		return c.Prefix
	}
	var b strings.Builder
	for _, part := range strings.FieldsFunc(c.Service, func(r rune) bool { return r == '.' || r == '_' }) {
		b.WriteString(strings.ToUpper(part[:1]) + part[1:])
	}
	return b.String()
}

// Methods builds the five methods of the service against svc's datastore.
func (c *CRUDService) Methods(svc *Service) ([]*methods.Method, error) {
	if c.Service == "" || c.Entry == nil || c.Create == nil {
		return nil, errspkg.ErrMethodNameRequired
	}
	if _, ok := c.Entry.Field(datastore.IDField); !ok {
		return nil, errspkg.New(errspkg.KindInternal, "%s entry model has no id field", c.Service)
	}
	p := c.prefix()
	table := c.table()
	store := svc.store
	channel := c.Service + events.QuerySuffix

	publish := func(ctx context.Context, eventType string, payload map[string]any) {
		if err := svc.bus.Publish(ctx, channel, eventType, payload); err != nil {
			svc.Logger.Error("Failed to publish entry change", err, loggingpkg.LogFields{"channel": channel, "type": eventType})
		}
	}
	get := func(ctx context.Context, id int64) (map[string]any, error) {
		row, err := store.Query(ctx, table, filters.Filters{{Path: []string{datastore.IDField}, Op: filters.OpEq, Value: id}}, filters.Options{Get: true})
		if err != nil {
			return nil, err
		}
		obj, _ := row.(map[string]any)
		return obj, nil
	}
	base := func(name string) methods.Method {
		return methods.Method{
			Service:    c.Service,
			Name:       name,
			Version:    c.Version,
			RolePrefix: c.RolePrefix,
			Private:    c.Private,
			CRUDHelper: true,
		}
	}

	query := base("query")
	query.Description = "Query " + c.Service + " entries."
	query.Accepts = queryArgs(p + "QueryArgs")
	query.Returns = result(p+"QueryResult", schema.Union(schema.ArrayOf(c.Entry), c.Entry, schema.Int()))
	query.Class = methods.ClassBlocking
	query.Handler = func(ctx context.Context, call *methods.Call) (any, error) {
		f, opts, err := parseQuery(call)
		if err != nil {
			return nil, err
		}
		return store.Query(ctx, table, f, opts)
	}

	getInstance := base("get_instance")
	getInstance.Accepts = idArgs(p+"GetInstanceArgs", schema.Int())
	getInstance.Returns = result(p+"GetInstanceResult", c.Entry)
	getInstance.Class = methods.ClassBlocking
	getInstance.Handler = func(ctx context.Context, call *methods.Call) (any, error) {
		return get(ctx, argInt64(call.Arg("id")))
	}

	create := base("create")
	create.Accepts = schema.Record(p+"CreateArgs", schema.Required("data", c.Create))
	create.Returns = result(p+"CreateResult", c.Entry)
	create.Audit = "Create " + c.Service
	create.Handler = func(ctx context.Context, call *methods.Call) (any, error) {
		row, _ := call.Arg("data").(map[string]any)
		if c.Validate != nil {
			if err := c.Validate(ctx, call, row, nil); err != nil {
				return nil, err
			}
		}
		id, err := store.Insert(ctx, table, row)
		if err != nil {
			return nil, err
		}
		entry, err := get(ctx, id)
		if err != nil {
			return nil, err
		}
		publish(ctx, events.TypeAdded, entry)
		return entry, nil
	}

	rowLock := func(args map[string]any) string {
		return c.Service + ".row:" + formatID(args["id"])
	}

	update := base("update")
	update.Accepts = schema.Record(p+"UpdateArgs",
		schema.Required("id", schema.Int()),
		schema.Required("data", c.Create.AsPartial(p+"UpdateData")),
	)
	update.Returns = result(p+"UpdateResult", c.Entry)
	update.Audit = "Update " + c.Service + " {id}"
	update.LockKeyFunc = rowLock
	update.Handler = func(ctx context.Context, call *methods.Call) (any, error) {
		id := argInt64(call.Arg("id"))
		old, err := get(ctx, id)
		if err != nil {
			return nil, err
		}
		patch := map[string]any{}
		if data, ok := call.Arg("data").(map[string]any); ok {
			for k, v := range data {
				if !schema.IsUndefined(v) {
					patch[k] = v
				}
			}
		}
		if c.Validate != nil {
			merged := schema.CopyValue(old).(map[string]any)
			for k, v := range patch {
				merged[k] = v
			}
			if err := c.Validate(ctx, call, merged, old); err != nil {
				return nil, err
			}
		}
		if err := store.Update(ctx, table, id, patch); err != nil {
			return nil, err
		}
		entry, err := get(ctx, id)
		if err != nil {
			return nil, err
		}
		publish(ctx, events.TypeChanged, entry)
		return entry, nil
	}

	del := base("delete")
	del.Accepts = idArgs(p+"DeleteArgs", schema.Int())
	del.Returns = result(p+"DeleteResult", schema.Bool())
	del.Audit = "Delete " + c.Service + " {id}"
	del.LockKeyFunc = rowLock
	del.Handler = func(ctx context.Context, call *methods.Call) (any, error) {
		id := argInt64(call.Arg("id"))
		if err := store.Delete(ctx, table, id); err != nil {
			return nil, err
		}
		publish(ctx, events.TypeRemoved, map[string]any{datastore.IDField: id})
		return true, nil
	}

	return []*methods.Method{&query, &getInstance, &create, &update, &del}, nil
}

// RegisterCRUDService registers the methods of c on svc.
func RegisterCRUDService(svc *Service, c *CRUDService) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	ms, err := c.Methods(svc)
	if err != nil {
		return err
	}
	for _, m := range ms {
		if err := svc.methods.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func formatID(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return strconv.FormatInt(argInt64(v), 10)
}
