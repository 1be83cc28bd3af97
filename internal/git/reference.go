package git

import (
	"errors"
	"fmt"
	"strings"
)

// ReferenceName represents the name of a git reference, e.g.
// "refs/heads/master". It does not support extended revision notation and
// must always contain a fully qualified reference.
type ReferenceName string

// NewReferenceNameFromBranchName returns a new ReferenceName from a given
// branch name. Note that branch is treated as an unqualified branch name.
// This function will thus always prepend "refs/heads/".
func NewReferenceNameFromBranchName(branch string) ReferenceName {
	return ReferenceName("refs/heads/" + branch)
}

// String returns the string representation of the ReferenceName.
func (r ReferenceName) String() string {
	return string(r)
}

// Branch returns `true` and the branch name if the reference is a branch. E.g.
// if ReferenceName is "refs/heads/master", it will return "master". If it is
// not a branch, `false` is returned.
func (r ReferenceName) Branch() (string, bool) {
	if strings.HasPrefix(r.String(), "refs/heads/") {
		return r.String()[len("refs/heads/"):], true
	}
	return "", false
}

// Reference represents a Git reference.
type Reference struct {
	// Name is the name of the reference
	Name ReferenceName
	// Target is the target of the reference. For direct references it
	// contains the object ID, for symbolic references it contains the
	// target reference name.
	Target string
	// IsSymbolic tells whether the reference is direct or symbolic
	IsSymbolic bool
}

// NewReference creates a direct reference to an object.
func NewReference(name ReferenceName, target ObjectID) Reference {
	return Reference{
		Name:       name,
		Target:     target.String(),
		IsSymbolic: false,
	}
}

// NewSymbolicReference creates a symbolic reference to another reference.
func NewSymbolicReference(name ReferenceName, target ReferenceName) Reference {
	return Reference{
		Name:       name,
		Target:     target.String(),
		IsSymbolic: true,
	}
}

// ErrInvalidReferenceName is returned when a reference name is not well-formed.
var ErrInvalidReferenceName = errors.New("invalid reference name")

// ValidateReferenceName checks whether a fully-qualified refname is well-formed. It implements the
// rules of git-check-ref-format(1) which are relevant for names received over the wire.
func ValidateReferenceName(name string) error {
	invalid := func(reason string) error {
		return fmt.Errorf("%w: %q: %s", ErrInvalidReferenceName, name, reason)
	}

	switch {
	case !strings.HasPrefix(name, "refs/"):
		return invalid("not fully qualified")
	case strings.HasSuffix(name, "/"), strings.HasSuffix(name, "."), strings.HasSuffix(name, ".lock"):
		return invalid("bad suffix")
	case strings.Contains(name, ".."), strings.Contains(name, "//"), strings.Contains(name, "@{"):
		return invalid("forbidden sequence")
	}

	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return invalid(fmt.Sprintf("forbidden character %q", r))
		}
	}

	for _, component := range strings.Split(name, "/") {
		if strings.HasPrefix(component, ".") {
			return invalid("component starts with a dot")
		}
	}

	return nil
}
