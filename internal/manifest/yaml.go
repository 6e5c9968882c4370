package manifest

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// RegistryConfig describes what to mirror from a single source registry, read
// from the YAML manifest format.
type RegistryConfig struct {
	// Images maps repository names to the tags to mirror. An empty tag list
	// means every tag the registry reports.
	Images map[string][]string `yaml:"images"`
	// ImagesByTagRegex maps repository names to a regular expression matched
	// against the repository's tags.
	ImagesByTagRegex map[string]string `yaml:"images-by-tag-regex"`
	// ImagesBySemver maps repository names to a semver constraint
	// (e.g. ">=3.14") matched against tags that parse as versions.
	ImagesBySemver map[string]string `yaml:"images-by-semver"`
}

// SourceConfig is the whole YAML manifest: source registry -> config.
type SourceConfig map[string]RegistryConfig

// LoadYAMLFile unmarshals the YAML manifest at path.
func LoadYAMLFile(path string) (SourceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestUnreadableError{Path: path, Err: err}
	}
	var cfg SourceConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &ManifestUnreadableError{Path: path, Err: fmt.Errorf("unmarshaling: %w", err)}
	}
	return cfg, nil
}

// TagLister lists the tags of a remote repository. Whole-repository and
// filtered entries need it to expand into concrete references.
type TagLister interface {
	Tags(ctx context.Context, repository string) ([]string, error)
}

// Expand resolves the config into an ordered sequence of raw references.
// Registries and repositories are walked in sorted order so that collision
// precedence and log ordering are stable across runs. A repository whose tags
// cannot be listed is logged and skipped; it never aborts the expansion.
func (c SourceConfig) Expand(ctx context.Context, lister TagLister) ([]Entry, error) {
	var entries []Entry
	for _, registryName := range sortedKeys(c) {
		cfg := c[registryName]
		if len(cfg.Images) == 0 && len(cfg.ImagesByTagRegex) == 0 && len(cfg.ImagesBySemver) == 0 {
			logrus.WithField("registry", registryName).Warn("No images specified for registry")
			continue
		}

		for _, repoName := range sortedKeys(cfg.Images) {
			repository := registryName + "/" + repoName
			tags := cfg.Images[repoName]
			if len(tags) == 0 {
				var err error
				tags, err = listTags(ctx, lister, repository)
				if err != nil {
					continue
				}
			}
			for _, tag := range tags {
				entries = append(entries, Entry{Ref: repository + ":" + tag})
			}
		}

		for _, repoName := range sortedKeys(cfg.ImagesByTagRegex) {
			pattern, err := regexp.Compile(cfg.ImagesByTagRegex[repoName])
			if err != nil {
				return nil, fmt.Errorf("invalid tag regex for repo %q: %w", repoName, err)
			}
			entries = append(entries, filterRepoTags(ctx, lister, registryName, repoName, func(tag string) bool {
				return pattern.MatchString(tag)
			})...)
		}

		for _, repoName := range sortedKeys(cfg.ImagesBySemver) {
			constraint, err := semver.NewConstraint(cfg.ImagesBySemver[repoName])
			if err != nil {
				return nil, fmt.Errorf("invalid semver constraint for repo %q: %w", repoName, err)
			}
			entries = append(entries, filterRepoTags(ctx, lister, registryName, repoName, func(tag string) bool {
				version, err := semver.NewVersion(tag)
				if err != nil {
					logrus.WithField("tag", tag).Tracef("Tag cannot be parsed as semver, skipping")
					return false
				}
				return constraint.Check(version)
			})...)
		}
	}
	return entries, nil
}

func filterRepoTags(ctx context.Context, lister TagLister, registryName, repoName string, keep func(string) bool) []Entry {
	repository := registryName + "/" + repoName
	tags, err := listTags(ctx, lister, repository)
	if err != nil {
		return nil
	}
	var entries []Entry
	for _, tag := range tags {
		if keep(tag) {
			entries = append(entries, Entry{Ref: repository + ":" + tag})
		}
	}
	if len(entries) == 0 {
		logrus.WithField("repo", repository).Warn("No matching tags to sync found")
	}
	return entries
}

func listTags(ctx context.Context, lister TagLister, repository string) ([]string, error) {
	logrus.WithField("repo", repository).Info("Querying registry for image tags")
	tags, err := lister.Tags(ctx, repository)
	if err != nil {
		logrus.WithField("repo", repository).Errorf("Error listing repository tags, skipping: %v", err)
		return nil, err
	}
	sort.Strings(tags)
	return tags, nil
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
