package compose

import (
	"bufio"
	"os"
	"strings"
)

// TargetSet restricts which images a migration touches. An empty set matches
// everything.
type TargetSet map[string]struct{}

// LoadTargetSet reads a target-images file: one reference per line, blank
// lines and '#'-comments ignored. Each entry matches both as written and by
// its tagless base, so "nginx:1.28" in the file also covers "nginx:1.29".
func LoadTargetSet(path string) (TargetSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	set := make(TargetSet)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[line] = struct{}{}
		base, _, _ := strings.Cut(line, ":")
		set[base] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

// Matches reports whether image (or its tagless base) is targeted.
func (s TargetSet) Matches(image string) bool {
	if len(s) == 0 {
		return true
	}
	if _, ok := s[image]; ok {
		return true
	}
	base, _, _ := strings.Cut(image, ":")
	_, ok := s[base]
	return ok
}
