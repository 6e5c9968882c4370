// Package compose extracts and rewrites image references in docker-compose
// files, so a deployment can be repointed at the mirror registry in one step.
package compose

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yorelog/regsync/internal/reference"
	"github.com/yorelog/regsync/internal/transform"
)

// ParseFile loads a compose file as a YAML document tree. Working on the
// node tree keeps comments, ordering and formatting intact across a rewrite.
func ParseFile(path string) (*yaml.Node, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML file %q: %w", path, err)
	}
	return &doc, nil
}

// Extract returns every valid image reference used by the compose file's
// services, sorted and deduplicated.
func Extract(doc *yaml.Node) ([]string, error) {
	nodes, err := imageNodes(doc)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, node := range nodes {
		if _, err := reference.Parse(node.Value); err == nil {
			set[node.Value] = struct{}{}
		}
	}
	images := make([]string, 0, len(set))
	for image := range set {
		images = append(images, image)
	}
	sort.Strings(images)
	return images, nil
}

// Migrate rewrites matching image fields in place to point at registry under
// the given transform policy, returning how many fields changed. Invalid
// references and images outside the filter are left untouched.
func Migrate(doc *yaml.Node, registry string, policy transform.Policy, filter TargetSet) (int, error) {
	nodes, err := imageNodes(doc)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, node := range nodes {
		ref, err := reference.Parse(node.Value)
		if err != nil || !filter.Matches(node.Value) {
			continue
		}
		node.Value = transform.Target(ref, registry, policy).String()
		changed++
	}
	return changed, nil
}

// WriteFile serializes the document to path with compose-conventional
// two-space indentation.
func WriteFile(path string, doc *yaml.Node) (retErr error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(); err != nil && retErr == nil {
			retErr = err
		}
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding %q: %w", path, err)
	}
	return enc.Close()
}

// MigratedPath derives the default output path: "<name>.migrated<ext>".
func MigratedPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + ".migrated" + ext
}

// imageNodes collects the scalar nodes holding image references: every
// service's "image" field plus "build.image". Both the v2+ layout (under a
// "services" key) and the v1 layout (services at top level) are handled.
func imageNodes(doc *yaml.Node) ([]*yaml.Node, error) {
	services, err := servicesNode(doc)
	if err != nil {
		return nil, err
	}
	var nodes []*yaml.Node
	for i := 0; i+1 < len(services.Content); i += 2 {
		service := services.Content[i+1]
		if service.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(service.Content); j += 2 {
			key, value := service.Content[j], service.Content[j+1]
			switch {
			case key.Value == "image" && value.Kind == yaml.ScalarNode && value.Value != "":
				nodes = append(nodes, value)
			case key.Value == "build" && value.Kind == yaml.MappingNode:
				for k := 0; k+1 < len(value.Content); k += 2 {
					if value.Content[k].Value == "image" && value.Content[k+1].Kind == yaml.ScalarNode && value.Content[k+1].Value != "" {
						nodes = append(nodes, value.Content[k+1])
					}
				}
			}
		}
	}
	return nodes, nil
}

func servicesNode(doc *yaml.Node) (*yaml.Node, error) {
	root := doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil, errors.New("empty compose file")
		}
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("invalid compose file format")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "services" {
			if root.Content[i+1].Kind != yaml.MappingNode {
				return nil, errors.New("invalid compose file format")
			}
			return root.Content[i+1], nil
		}
	}
	// v1 compose files list services at the top level
	return root, nil
}
