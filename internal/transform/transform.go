// Package transform maps source repository paths to repository names under a
// target registry namespace.
package transform

import (
	"fmt"
	"strings"

	"github.com/yorelog/regsync/internal/reference"
)

// Policy selects how a source repository path becomes a target repository name.
// The policy is fixed for a whole sync run, never chosen per image.
type Policy int

const (
	// FlattenFull replaces every path separator with '-', preserving the full
	// provenance of the source ("abc/nginx" -> "abc-nginx"). Collision-free.
	FlattenFull Policy = iota
	// LastSegmentOnly keeps only the final path component
	// ("langgenius/dify-api" -> "dify-api"). Short names, but two sources
	// sharing a final segment collide; the engine warns when that happens.
	LastSegmentOnly
)

// ParsePolicy converts the command-line spelling of a policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "flatten":
		return FlattenFull, nil
	case "last-segment":
		return LastSegmentOnly, nil
	default:
		return FlattenFull, fmt.Errorf("unknown transform policy %q, expected 'flatten' or 'last-segment'", s)
	}
}

func (p Policy) String() string {
	switch p {
	case LastSegmentOnly:
		return "last-segment"
	default:
		return "flatten"
	}
}

// TargetImage is a fully resolved destination for one source image. It is
// derived via Target, never assembled by callers.
type TargetImage struct {
	Registry string // base registry, no trailing slash
	Name     string
	Tag      string
}

// Target applies policy to ref under registry.
func Target(ref reference.ImageReference, registry string, policy Policy) TargetImage {
	name := ref.Repository
	switch policy {
	case LastSegmentOnly:
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
	default:
		// Registry host ports would leave a ':' in the flattened name, which
		// is not valid in a repository path.
		name = strings.NewReplacer("/", "-", ":", "-").Replace(name)
	}
	return TargetImage{
		Registry: strings.TrimRight(registry, "/"),
		Name:     name,
		Tag:      ref.Tag,
	}
}

// String serializes the target as "registry/name:tag".
func (t TargetImage) String() string {
	return t.Registry + "/" + t.Name + ":" + t.Tag
}

// RepoTag is the target identity without the registry, used for collision
// bookkeeping.
func (t TargetImage) RepoTag() string {
	return t.Name + ":" + t.Tag
}
