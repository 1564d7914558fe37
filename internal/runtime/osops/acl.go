package osops

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
)

// ACL tags.
const (
	TagUser  = "USER"
	TagGroup = "GROUP"
	TagMask  = "MASK"
	TagOther = "OTHER"
)

// ACLEntry is one POSIX ACL entry. ID is -1 for the owning user or group
// entries and for mask and other.
type ACLEntry struct {
	Tag     string `json:"tag"`
	ID      int    `json:"id"`
	Perms   Perms  `json:"perms"`
	Default bool   `json:"default"`
}

type Perms struct {
	Read    bool `json:"READ"`
	Write   bool `json:"WRITE"`
	Execute bool `json:"EXECUTE"`
}

// ACL is the access list of one path.
type ACL struct {
	Path    string     `json:"path"`
	UID     int        `json:"uid"`
	GID     int        `json:"gid"`
	Flags   []string   `json:"flags"`
	Entries []ACLEntry `json:"acl"`
}

func (p Perms) String() string {
	b := []byte("---")
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Execute {
		b[2] = 'x'
	}
	return string(b)
}

func parsePerms(s string) (Perms, error) {
	if len(s) != 3 {
		return Perms{}, fmt.Errorf("invalid permissions %q", s)
	}
	return Perms{Read: s[0] == 'r', Write: s[1] == 'w', Execute: s[2] == 'x'}, nil
}

func checkPath(path string) error {
	if !filepath.IsAbs(path) {
		return errspkg.Validation(errspkg.Issue{Path: "path", Message: "path must be absolute"})
	}
	return nil
}

// GetACL reads the POSIX ACL of path with numeric ids.
func (e *Exec) GetACL(ctx context.Context, path string) (*ACL, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	res, err := e.RunProcess(ctx, []string{e.Getfacl, "-n", "-p", path}, nil, 0)
	if err != nil {
		if res != nil && bytes.Contains(res.Stderr, []byte("No such file")) {
			return nil, errspkg.New(errspkg.KindNotFound, "%s does not exist", path)
		}
		return nil, err
	}
	acl, err := ParseGetfacl(res.Stdout)
	if err != nil {
		return nil, errspkg.Wrap(errspkg.KindInternal, err, "parse getfacl output")
	}
	acl.Path = path
	return acl, nil
}

// SetACL replaces the ACL of path with acl.Entries.
func (e *Exec) SetACL(ctx context.Context, path string, acl *ACL, recursive bool) error {
	if err := checkPath(path); err != nil {
		return err
	}
	spec, err := FormatEntries(acl.Entries)
	if err != nil {
		return err
	}
	argv := []string{e.Setfacl}
	if recursive {
		argv = append(argv, "-R")
	}
	argv = append(argv, "--set", spec, path)
	_, err = e.RunProcess(ctx, argv, nil, 0)
	return err
}

// ParseGetfacl parses the output of "getfacl -n".
func ParseGetfacl(out []byte) (*ACL, error) {
	acl := &ACL{UID: -1, GID: -1, Flags: []string{}, Entries: []ACLEntry{}}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			parseHeader(acl, strings.TrimSpace(strings.TrimPrefix(line, "#")))
			continue
		}
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		entry, err := parseEntry(line)
		if err != nil {
			return nil, err
		}
		acl.Entries = append(acl.Entries, entry)
	}
	return acl, sc.Err()
}

func parseHeader(acl *ACL, line string) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	value = strings.TrimSpace(value)
	switch key {
	case "owner":
		if n, err := strconv.Atoi(value); err == nil {
			acl.UID = n
		}
	case "group":
		if n, err := strconv.Atoi(value); err == nil {
			acl.GID = n
		}
	case "flags":
		for i, f := range []string{"SETUID", "SETGID", "STICKY"} {
			if i < len(value) && value[i] != '-' {
				acl.Flags = append(acl.Flags, f)
			}
		}
	}
}

func parseEntry(line string) (ACLEntry, error) {
	parts := strings.Split(line, ":")
	entry := ACLEntry{ID: -1}
	if len(parts) == 4 && parts[0] == "default" {
		entry.Default = true
		parts = parts[1:]
	}
	if len(parts) != 3 {
		return ACLEntry{}, fmt.Errorf("invalid acl entry %q", line)
	}
	switch parts[0] {
	case "user":
		entry.Tag = TagUser
	case "group":
		entry.Tag = TagGroup
	case "mask":
		entry.Tag = TagMask
	case "other":
		entry.Tag = TagOther
	default:
		return ACLEntry{}, fmt.Errorf("unknown acl tag %q", parts[0])
	}
	if parts[1] != "" {
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			return ACLEntry{}, fmt.Errorf("invalid acl qualifier %q", parts[1])
		}
		entry.ID = id
	}
	perms, err := parsePerms(parts[2])
	if err != nil {
		return ACLEntry{}, err
	}
	entry.Perms = perms
	return entry, nil
}

// FormatEntries renders entries in setfacl's comma separated form.
func FormatEntries(entries []ACLEntry) (string, error) {
	specs := make([]string, 0, len(entries))
	var issues []errspkg.Issue
	for i, e := range entries {
		var tag string
		switch e.Tag {
		case TagUser:
			tag = "user"
		case TagGroup:
			tag = "group"
		case TagMask:
			tag = "mask"
		case TagOther:
			tag = "other"
		default:
			issues = append(issues, errspkg.Issue{Path: fmt.Sprintf("dacl.%d.tag", i), Message: fmt.Sprintf("unknown tag %q", e.Tag)})
			continue
		}
		qualifier := ""
		if e.ID >= 0 {
			if e.Tag == TagMask || e.Tag == TagOther {
				issues = append(issues, errspkg.Issue{Path: fmt.Sprintf("dacl.%d.id", i), Message: e.Tag + " entries take no id"})
				continue
			}
			qualifier = strconv.Itoa(e.ID)
		}
		spec := tag + ":" + qualifier + ":" + e.Perms.String()
		if e.Default {
			spec = "default:" + spec
		}
		specs = append(specs, spec)
	}
	if len(issues) > 0 {
		return "", errspkg.Validation(issues...)
	}
	return strings.Join(specs, ","), nil
}
