package reference

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		raw        string
		repository string
		tag        string
	}{
		{"abc/nginx:1234", "abc/nginx", "1234"},
		{"ollama/ollama", "ollama/ollama", "latest"},
		{"ghcr.io/astral-sh/uv:latest", "ghcr.io/astral-sh/uv", "latest"},
		{"nginx", "nginx", "latest"},
		{"redis:6-alpine", "redis", "6-alpine"},
		// A registry host port before the first '/' is not a tag separator.
		{"localhost:5000/team/app", "localhost:5000/team/app", "latest"},
		{"localhost:5000/team/app:v1.2", "localhost:5000/team/app", "v1.2"},
		{"langgenius/dify-api:0.6.3", "langgenius/dify-api", "0.6.3"},
	} {
		ref, err := Parse(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.repository, ref.Repository, tc.raw)
		assert.Equal(t, tc.tag, ref.Tag, tc.raw)
	}
}

func TestParseMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		" nginx",
		"nginx ",
		"a b/c",
		":tag",
		"nginx:",
		"bad::ref",
		"abc//nginx",
		"UPPER/repo:1",
		"repo:bad tag",
	} {
		_, err := Parse(raw)
		var malformed *MalformedReferenceError
		require.Error(t, err, "%q", raw)
		assert.True(t, errors.As(err, &malformed), "%q should yield MalformedReferenceError, got %v", raw, err)
	}
}

// Parsing followed by re-serialization is idempotent once the default tag has
// been substituted.
func TestParseStringRoundTrip(t *testing.T) {
	for _, raw := range []string{"abc/nginx:1234", "ollama/ollama", "localhost:5000/team/app"} {
		ref, err := Parse(raw)
		require.NoError(t, err)
		again, err := Parse(ref.String())
		require.NoError(t, err)
		assert.Equal(t, ref, again)
		assert.Equal(t, ref.String(), again.String())
	}
}
