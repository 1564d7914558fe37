// Package apiversion orders the named API versions (v25.04.0, v25.10.1, ...)
// that models and methods are declared against.
package apiversion

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blang/semver/v4"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
)

// Version is a named point on the API version sequence.
type Version struct {
	name string
	sv   semver.Version
}

// Parse accepts "v25.04.0" style names. The leading "v" is optional and
// zero-padded components are tolerated.
func Parse(name string) (Version, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Version{}, fmt.Errorf("apiversion: empty version")
	}
	sv, err := semver.ParseTolerant(trimmed)
	if err != nil {
		return Version{}, fmt.Errorf("apiversion: parse %q: %w", name, err)
	}
	if !strings.HasPrefix(trimmed, "v") {
		trimmed = "v" + trimmed
	}
	return Version{name: trimmed, sv: sv}, nil
}

// MustParse is Parse for package-level declarations.
func MustParse(name string) Version {
	v, err := Parse(name)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string { return v.name }

// IsZero reports whether v was never parsed.
func (v Version) IsZero() bool { return v.name == "" }

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int { return v.sv.Compare(o.sv) }

func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }

// AtLeast reports whether v >= o.
func (v Version) AtLeast(o Version) bool { return v.Compare(o) >= 0 }

// Sequence is the strictly ordered chain of supported versions. It is a
// simple path: every version has at most one predecessor and one successor.
type Sequence struct {
	versions []Version
}

// NewSequence sorts the given names and rejects duplicates.
func NewSequence(names ...string) (*Sequence, error) {
	versions := make([]Version, 0, len(names))
	for _, name := range names {
		v, err := Parse(name)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Less(versions[j]) })
	for i := 1; i < len(versions); i++ {
		if versions[i].Equal(versions[i-1]) {
			return nil, fmt.Errorf("%w: duplicate version %s", errs.ErrVersionSequenceInvalid, versions[i])
		}
	}
	return &Sequence{versions: versions}, nil
}

// MustSequence panics on an invalid sequence.
func MustSequence(names ...string) *Sequence {
	s, err := NewSequence(names...)
	if err != nil {
		panic(err)
	}
	return s
}

// Versions returns a copy of the ordered versions.
func (s *Sequence) Versions() []Version {
	return append([]Version(nil), s.versions...)
}

// Latest returns the newest version, or the zero Version for an empty sequence.
func (s *Sequence) Latest() Version {
	if len(s.versions) == 0 {
		return Version{}
	}
	return s.versions[len(s.versions)-1]
}

// Lookup resolves a name to a member of the sequence.
func (s *Sequence) Lookup(name string) (Version, bool) {
	v, err := Parse(name)
	if err != nil {
		return Version{}, false
	}
	idx := s.index(v)
	if idx < 0 {
		return Version{}, false
	}
	return s.versions[idx], true
}

// Contains reports whether v is part of the sequence.
func (s *Sequence) Contains(v Version) bool { return s.index(v) >= 0 }

func (s *Sequence) index(v Version) int {
	for i, candidate := range s.versions {
		if candidate.Equal(v) {
			return i
		}
	}
	return -1
}

// Previous returns the version immediately before v.
func (s *Sequence) Previous(v Version) (Version, bool) {
	idx := s.index(v)
	if idx <= 0 {
		return Version{}, false
	}
	return s.versions[idx-1], true
}

// Path returns the versions walked when moving from one version to another,
// both ends included. The path runs backwards when from is newer than to.
func (s *Sequence) Path(from, to Version) ([]Version, error) {
	fi, ti := s.index(from), s.index(to)
	if fi < 0 {
		return nil, fmt.Errorf("%w: unknown version %s", errs.ErrVersionSequenceInvalid, from)
	}
	if ti < 0 {
		return nil, fmt.Errorf("%w: unknown version %s", errs.ErrVersionSequenceInvalid, to)
	}
	path := make([]Version, 0, abs(ti-fi)+1)
	if fi <= ti {
		for i := fi; i <= ti; i++ {
			path = append(path, s.versions[i])
		}
		return path, nil
	}
	for i := fi; i >= ti; i-- {
		path = append(path, s.versions[i])
	}
	return path, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
