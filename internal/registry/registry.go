// Package registry defines the transfer capability the sync engine drives and
// its implementations: the local docker daemon and direct registry-to-registry
// transfer.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Client moves images between registries. Every returned error is a
// *TransferError, so that the engine can tell transient failures (worth
// retrying) from permanent ones.
type Client interface {
	// Pull fetches the source image into local transfer state.
	Pull(ctx context.Context, ref string) error
	// Tag aliases a pulled image under its destination name.
	Tag(ctx context.Context, src, dst string) error
	// Push uploads the tagged image and reports the pushed manifest digest,
	// when the transport surfaces one.
	Push(ctx context.Context, ref string) (digest.Digest, error)
	// Tags lists the tags of a remote repository.
	Tags(ctx context.Context, repository string) ([]string, error)
	// Cleanup releases local transfer state for refs. It is called after
	// every entry, successful or not, and must not fail the entry.
	Cleanup(ctx context.Context, refs ...string)
}

// Credentials authenticate against the target (and source) registries.
// The zero value means anonymous / ambient credentials (docker config,
// default keychain).
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) empty() bool {
	return c == Credentials{}
}

// ParseCredentials splits a "username:password" flag value.
func ParseCredentials(s string) (Credentials, error) {
	if s == "" {
		return Credentials{}, nil
	}
	user, pass, ok := strings.Cut(s, ":")
	if !ok || user == "" {
		return Credentials{}, fmt.Errorf("credentials must be specified as username:password")
	}
	return Credentials{Username: user, Password: pass}, nil
}
