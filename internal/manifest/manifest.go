// Package manifest loads the declarative list of images to mirror, either as
// a plain text list (one reference per line) or as a per-registry YAML
// configuration supporting tag filters.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Entry is one candidate raw reference, in manifest order. Malformed
// references are passed through: the engine isolates them per entry instead
// of the loader rejecting the whole manifest.
type Entry struct {
	Line int    // 1-based line number in the source file, 0 for expanded entries
	Ref  string
}

// ManifestUnreadableError reports a manifest source that could not be read at
// all. It is a run-level fatal error, unlike a bad line inside a readable
// manifest.
type ManifestUnreadableError struct {
	Path string
	Err  error
}

func (e *ManifestUnreadableError) Error() string {
	return fmt.Sprintf("manifest %q cannot be read: %v", e.Path, e.Err)
}

func (e *ManifestUnreadableError) Unwrap() error {
	return e.Err
}

// Load reads a plain-text manifest: one reference per line, '#'-prefixed
// full-line comments and blank lines ignored, order preserved.
func Load(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		entries = append(entries, Entry{Line: line, Ref: text})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// LoadFile reads a plain-text manifest from path.
func LoadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ManifestUnreadableError{Path: path, Err: err}
	}
	defer f.Close()
	entries, err := Load(f)
	if err != nil {
		return nil, &ManifestUnreadableError{Path: path, Err: err}
	}
	return entries, nil
}
