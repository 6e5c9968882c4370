package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/docker/docker/api/types/image"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
)

// DaemonClient transfers images through the local docker daemon, the way the
// original migration tooling shelled out to docker pull/tag/push. Each entry's
// local images are removed again by Cleanup so a catalog sync cannot fill the
// daemon's disk.
type DaemonClient struct {
	cli  *client.Client
	auth string // pre-encoded X-Registry-Auth payload
}

// NewDaemonClient connects to the daemon using the usual DOCKER_HOST
// environment handling.
func NewDaemonClient(creds Credentials) (*DaemonClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	auth, err := registrytypes.EncodeAuthConfig(registrytypes.AuthConfig{
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding registry credentials: %w", err)
	}
	return &DaemonClient{cli: cli, auth: auth}, nil
}

var _ Client = (*DaemonClient)(nil)

func (d *DaemonClient) Pull(ctx context.Context, ref string) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: d.auth})
	if err != nil {
		return classifyDaemonErr("pull", ref, err)
	}
	defer reader.Close()
	if _, err := drainProgress(reader); err != nil {
		return classifyDaemonErr("pull", ref, err)
	}
	return nil
}

func (d *DaemonClient) Tag(ctx context.Context, src, dst string) error {
	if err := d.cli.ImageTag(ctx, src, dst); err != nil {
		// Tagging is a local metadata operation; its failures do not go away
		// on retry.
		return permanentErr("tag", dst, err)
	}
	return nil
}

func (d *DaemonClient) Push(ctx context.Context, ref string) (digest.Digest, error) {
	reader, err := d.cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: d.auth})
	if err != nil {
		return "", classifyDaemonErr("push", ref, err)
	}
	defer reader.Close()
	dgst, err := drainProgress(reader)
	if err != nil {
		return "", classifyDaemonErr("push", ref, err)
	}
	return dgst, nil
}

// Tags is not available through the daemon API; whole-repository manifest
// entries need the remote transport.
func (d *DaemonClient) Tags(ctx context.Context, repository string) ([]string, error) {
	return nil, permanentErr("tags", repository,
		errors.New("tag listing is not supported by the daemon transport, use --transport remote"))
}

func (d *DaemonClient) Cleanup(ctx context.Context, refs ...string) {
	for _, ref := range refs {
		if _, err := d.cli.ImageRemove(ctx, ref, image.RemoveOptions{}); err != nil && !errdefs.IsNotFound(err) {
			logrus.WithField("image", ref).Debugf("Could not remove local image: %v", err)
		}
	}
}

// drainProgress consumes a daemon progress stream. Pull and push failures are
// reported inside the stream rather than on the HTTP call, and pushes report
// the manifest digest through an aux message.
func drainProgress(r io.Reader) (digest.Digest, error) {
	var dgst digest.Digest
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); errors.Is(err, io.EOF) {
			return dgst, nil
		} else if err != nil {
			return "", fmt.Errorf("decoding daemon progress stream: %w", err)
		}
		if msg.Error != nil {
			return "", msg.Error
		}
		if msg.Aux != nil {
			var result struct {
				Digest string `json:"digest"`
			}
			if err := json.Unmarshal(*msg.Aux, &result); err == nil && result.Digest != "" {
				dgst = digest.Digest(result.Digest)
			}
		}
	}
}

func classifyDaemonErr(op, ref string, err error) error {
	switch {
	case errdefs.IsNotFound(err), errdefs.IsUnauthorized(err), errdefs.IsForbidden(err), errdefs.IsInvalidParameter(err):
		return permanentErr(op, ref, err)
	case errdefs.IsDeadline(err), errdefs.IsUnavailable(err), isNetTransient(err):
		return transientErr(op, ref, err)
	}
	var jsonErr *jsonmessage.JSONError
	if errors.As(err, &jsonErr) {
		return classifyStreamErr(op, ref, jsonErr)
	}
	return permanentErr(op, ref, err)
}

// classifyStreamErr handles errors reported inside a progress stream, which
// carry an HTTP status code when the registry answered and only message text
// when the connection itself failed.
func classifyStreamErr(op, ref string, jsonErr *jsonmessage.JSONError) error {
	switch {
	case jsonErr.Code == http.StatusRequestTimeout,
		jsonErr.Code == http.StatusTooManyRequests,
		jsonErr.Code >= 500:
		return transientErr(op, ref, jsonErr)
	case jsonErr.Code != 0:
		return permanentErr(op, ref, jsonErr)
	}
	msg := strings.ToLower(jsonErr.Message)
	for _, marker := range []string{"not found", "unauthorized", "denied", "no basic auth", "manifest unknown"} {
		if strings.Contains(msg, marker) {
			return permanentErr(op, ref, jsonErr)
		}
	}
	return transientErr(op, ref, jsonErr)
}
