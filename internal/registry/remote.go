package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/opencontainers/go-digest"
)

// RemoteClient transfers images registry-to-registry without a local daemon.
// Pull resolves the source image descriptor; the layer data itself streams
// from source to destination during Push.
type RemoteClient struct {
	opts     []remote.Option
	nameOpts []name.Option

	mu     sync.Mutex
	pulled map[string]v1.Image
}

// NewRemoteClient builds a remote transport. Empty credentials fall back to
// the default keychain (docker config, credential helpers).
func NewRemoteClient(creds Credentials) *RemoteClient {
	auth := remote.WithAuthFromKeychain(authn.DefaultKeychain)
	if !creds.empty() {
		auth = remote.WithAuth(&authn.Basic{Username: creds.Username, Password: creds.Password})
	}
	return &RemoteClient{
		opts:     []remote.Option{auth},
		nameOpts: []name.Option{name.WeakValidation},
		pulled:   make(map[string]v1.Image),
	}
}

var _ Client = (*RemoteClient)(nil)

func (c *RemoteClient) Pull(ctx context.Context, ref string) error {
	srcRef, err := name.ParseReference(ref, c.nameOpts...)
	if err != nil {
		return permanentErr("pull", ref, err)
	}
	img, err := remote.Image(srcRef, append(c.options(), remote.WithContext(ctx))...)
	if err != nil {
		return classifyRemoteErr("pull", ref, err)
	}
	c.mu.Lock()
	c.pulled[ref] = img
	c.mu.Unlock()
	return nil
}

func (c *RemoteClient) Tag(ctx context.Context, src, dst string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.pulled[src]
	if !ok {
		return permanentErr("tag", dst, fmt.Errorf("source image %q has not been pulled", src))
	}
	c.pulled[dst] = img
	return nil
}

func (c *RemoteClient) Push(ctx context.Context, ref string) (digest.Digest, error) {
	c.mu.Lock()
	img, ok := c.pulled[ref]
	c.mu.Unlock()
	if !ok {
		return "", permanentErr("push", ref, fmt.Errorf("image %q has not been tagged", ref))
	}
	dstRef, err := name.ParseReference(ref, c.nameOpts...)
	if err != nil {
		return "", permanentErr("push", ref, err)
	}
	if err := remote.Write(dstRef, img, append(c.options(), remote.WithContext(ctx))...); err != nil {
		return "", classifyRemoteErr("push", ref, err)
	}
	h, err := img.Digest()
	if err != nil {
		return "", classifyRemoteErr("push", ref, err)
	}
	return digest.Digest(h.String()), nil
}

func (c *RemoteClient) Tags(ctx context.Context, repository string) ([]string, error) {
	repo, err := name.NewRepository(repository, c.nameOpts...)
	if err != nil {
		return nil, permanentErr("tags", repository, err)
	}
	tags, err := remote.List(repo, append(c.options(), remote.WithContext(ctx))...)
	if err != nil {
		return nil, classifyRemoteErr("tags", repository, err)
	}
	return tags, nil
}

func (c *RemoteClient) Cleanup(ctx context.Context, refs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ref := range refs {
		delete(c.pulled, ref)
	}
}

// options returns a copy so that per-call appends never race.
func (c *RemoteClient) options() []remote.Option {
	out := make([]remote.Option, len(c.opts))
	copy(out, c.opts)
	return out
}

func classifyRemoteErr(op, ref string, err error) error {
	var te *transport.Error
	if errors.As(err, &te) {
		if te.Temporary() {
			return transientErr(op, ref, err)
		}
		return permanentErr(op, ref, err)
	}
	if isNetTransient(err) {
		return transientErr(op, ref, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return permanentErr(op, ref, err)
	}
	// Registry errors with a status are classified above; anything left is
	// most likely a connection-level failure.
	return transientErr(op, ref, err)
}
