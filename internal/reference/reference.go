// Package reference parses raw container image references into their
// repository and tag parts.
//
// Parsing is deliberately non-normalizing: short names are kept exactly as
// written (no docker.io/library expansion), because the transform policies
// derive target names from the repository path as the operator supplied it.
package reference

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultTag is applied when a reference carries no tag.
const DefaultTag = "latest"

// ImageReference is a parsed source image reference.
type ImageReference struct {
	Repository string // slash-delimited path, possibly starting with a registry host
	Tag        string
}

// MalformedReferenceError reports a reference string that cannot name an image.
type MalformedReferenceError struct {
	Ref    string
	Reason string
}

func (e *MalformedReferenceError) Error() string {
	return fmt.Sprintf("malformed image reference %q: %s", e.Ref, e.Reason)
}

var (
	// pathSegment is the grammar for one repository path component, as in the
	// distribution reference spec: lowercase alphanumerics joined by
	// separators.
	pathSegment = `[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*`
	// domain additionally allows uppercase hostname characters and a port.
	domain = `[a-zA-Z0-9](?:[a-zA-Z0-9-]*[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]*[a-zA-Z0-9])?)*(?::[0-9]+)?`

	pathRegexp   = regexp.MustCompile(`^` + pathSegment + `(?:/` + pathSegment + `)*$`)
	domainRegexp = regexp.MustCompile(`^` + domain + `$`)
	tagRegexp    = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)
)

// validRepository accepts a plain repository path, optionally led by a
// registry host. A leading component only counts as a host when it contains
// a '.' or a port, or is "localhost", mirroring how container runtimes
// disambiguate "myorg/app" from "myhost/app".
func validRepository(repo string) bool {
	if pathRegexp.MatchString(repo) {
		return true
	}
	host, rest, ok := strings.Cut(repo, "/")
	if !ok || !(strings.ContainsAny(host, ".:") || host == "localhost") {
		return false
	}
	return domainRegexp.MatchString(host) && pathRegexp.MatchString(rest)
}

// Parse splits raw into repository and tag. The tag separator is the last ':'
// that occurs after the last '/', so a registry host port is never mistaken
// for a tag. A missing tag defaults to DefaultTag.
func Parse(raw string) (ImageReference, error) {
	if raw != strings.TrimSpace(raw) || strings.ContainsAny(raw, " \t") {
		return ImageReference{}, &MalformedReferenceError{Ref: raw, Reason: "contains whitespace"}
	}
	if raw == "" {
		return ImageReference{}, &MalformedReferenceError{Ref: raw, Reason: "empty reference"}
	}

	repo, tag := raw, ""
	if cut := strings.LastIndex(raw, ":"); cut > strings.LastIndex(raw, "/") {
		repo, tag = raw[:cut], raw[cut+1:]
	}
	if repo == "" {
		return ImageReference{}, &MalformedReferenceError{Ref: raw, Reason: "empty repository"}
	}
	if !validRepository(repo) {
		return ImageReference{}, &MalformedReferenceError{Ref: raw, Reason: fmt.Sprintf("invalid repository %q", repo)}
	}
	switch {
	case tag == "" && strings.HasSuffix(raw, ":"):
		return ImageReference{}, &MalformedReferenceError{Ref: raw, Reason: "empty tag"}
	case tag == "":
		tag = DefaultTag
	case !tagRegexp.MatchString(tag):
		return ImageReference{}, &MalformedReferenceError{Ref: raw, Reason: fmt.Sprintf("invalid tag %q", tag)}
	}

	return ImageReference{Repository: repo, Tag: tag}, nil
}

// String re-serializes the reference as "repository:tag".
func (r ImageReference) String() string {
	return r.Repository + ":" + r.Tag
}
