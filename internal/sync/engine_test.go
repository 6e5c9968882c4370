package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yorelog/regsync/internal/manifest"
	"github.com/yorelog/regsync/internal/mappinglog"
	"github.com/yorelog/regsync/internal/registry"
	"github.com/yorelog/regsync/internal/transform"
)

const testDigest = digest.Digest("sha256:0000000000000000000000000000000000000000000000000000000000000000")

// fakeClient scripts per-ref failures and counts every operation.
type fakeClient struct {
	mu       sync.Mutex
	pulls    map[string]int
	pushes   map[string]int
	tagged   map[string]string
	cleanups int
	pullErrs map[string][]error // consumed one per Pull call
	pushErrs map[string][]error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		pulls:    make(map[string]int),
		pushes:   make(map[string]int),
		tagged:   make(map[string]string),
		pullErrs: make(map[string][]error),
		pushErrs: make(map[string][]error),
	}
}

func pop(errs map[string][]error, ref string) error {
	if queued := errs[ref]; len(queued) > 0 {
		errs[ref] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *fakeClient) Pull(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls[ref]++
	return pop(f.pullErrs, ref)
}

func (f *fakeClient) Tag(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagged[dst] = src
	return nil
}

func (f *fakeClient) Push(ctx context.Context, ref string) (digest.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes[ref]++
	if err := pop(f.pushErrs, ref); err != nil {
		return "", err
	}
	return testDigest, nil
}

func (f *fakeClient) Tags(ctx context.Context, repository string) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) Cleanup(ctx context.Context, refs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
}

func transientFailure(ref string) error {
	return &registry.TransferError{Op: "pull", Ref: ref, Transient: true, Err: errors.New("connection reset")}
}

func permanentFailure(ref string) error {
	return &registry.TransferError{Op: "pull", Ref: ref, Transient: false, Err: errors.New("manifest unknown")}
}

func entries(refs ...string) []manifest.Entry {
	out := make([]manifest.Entry, len(refs))
	for i, ref := range refs {
		out[i] = manifest.Entry{Line: i + 1, Ref: ref}
	}
	return out
}

func newTestEngine(t *testing.T, client registry.Client, opts Options) *Engine {
	t.Helper()
	if opts.TargetRegistry == "" {
		opts.TargetRegistry = "registry.example.com/mirror"
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	engine, err := New(client, nil, opts)
	require.NoError(t, err)
	return engine
}

func TestNewRequiresTargetRegistry(t *testing.T) {
	_, err := New(newFakeClient(), nil, Options{})
	var config *ConfigurationError
	require.Error(t, err)
	assert.True(t, errors.As(err, &config))
}

func TestRunSuccess(t *testing.T) {
	client := newFakeClient()
	engine := newTestEngine(t, client, Options{})

	report, err := engine.Run(context.Background(), entries("abc/nginx:1234", "redis:6-alpine"))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, report.Records, 2)
	assert.Equal(t, "abc/nginx:1234", report.Records[0].Source)
	assert.Equal(t, "registry.example.com/mirror/abc-nginx:1234", report.Records[0].Target)
	assert.Equal(t, string(testDigest), report.Records[0].Digest)
	assert.Equal(t, "abc/nginx:1234", client.tagged["registry.example.com/mirror/abc-nginx:1234"])
	assert.Equal(t, 2, client.cleanups)
}

// One bad line never aborts the run.
func TestRunMalformedEntryIsolated(t *testing.T) {
	client := newFakeClient()
	engine := newTestEngine(t, client, Options{})

	report, err := engine.Run(context.Background(), entries("nginx:latest", "bad::ref", "redis:6-alpine"))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Records, 3)
	assert.Equal(t, mappinglog.OutcomeFailed, report.Records[1].Outcome)
	assert.Equal(t, "bad::ref", report.Records[1].Source)
	assert.Contains(t, report.Records[1].Reason, "malformed image reference")
	// The malformed entry triggered no transfer at all.
	assert.Zero(t, client.pulls["bad::ref"])
}

func TestRunTransientRetriedThenSucceeds(t *testing.T) {
	client := newFakeClient()
	client.pullErrs["nginx:latest"] = []error{transientFailure("nginx:latest"), transientFailure("nginx:latest")}
	engine := newTestEngine(t, client, Options{RetryTimes: 2})

	report, err := engine.Run(context.Background(), entries("nginx:latest"))
	require.NoError(t, err)
	// Two failures then success: three attempts, one success record.
	assert.Equal(t, 3, client.pulls["nginx:latest"])
	assert.Equal(t, 1, report.Succeeded)
	require.Len(t, report.Records, 1)
	assert.Equal(t, mappinglog.OutcomeSuccess, report.Records[0].Outcome)
}

func TestRunTransientExhaustedFails(t *testing.T) {
	client := newFakeClient()
	client.pullErrs["nginx:latest"] = []error{
		transientFailure("nginx:latest"), transientFailure("nginx:latest"), transientFailure("nginx:latest"),
	}
	engine := newTestEngine(t, client, Options{RetryTimes: 2})

	report, err := engine.Run(context.Background(), entries("nginx:latest", "redis:6-alpine"))
	require.NoError(t, err)
	assert.Equal(t, 3, client.pulls["nginx:latest"])
	assert.Equal(t, 1, report.Failed)
	// The failure does not block the following entry.
	assert.Equal(t, 1, report.Succeeded)
}

func TestRunPermanentNotRetried(t *testing.T) {
	client := newFakeClient()
	client.pullErrs["gone/app:latest"] = []error{permanentFailure("gone/app:latest")}
	engine := newTestEngine(t, client, Options{RetryTimes: 3})

	report, err := engine.Run(context.Background(), entries("gone/app:latest"))
	require.NoError(t, err)
	assert.Equal(t, 1, client.pulls["gone/app:latest"])
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Records[0].Reason, "manifest unknown")
}

func TestRunNameCollisionWarns(t *testing.T) {
	client := newFakeClient()
	engine := newTestEngine(t, client, Options{Policy: transform.LastSegmentOnly})

	report, err := engine.Run(context.Background(), entries("a/web", "b/web"))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	require.Len(t, report.Collisions, 1)
	assert.Equal(t, "a/web", report.Collisions[0].PreviousSource)
	assert.Equal(t, "b/web", report.Collisions[0].Source)
	// Both entries still transfer: two records with identical target,
	// different sources.
	require.Len(t, report.Records, 2)
	assert.Equal(t, report.Records[0].Target, report.Records[1].Target)
	assert.NotEqual(t, report.Records[0].Source, report.Records[1].Source)
}

func TestRunSameSourceTwiceNoCollision(t *testing.T) {
	client := newFakeClient()
	engine := newTestEngine(t, client, Options{Policy: transform.LastSegmentOnly})

	report, err := engine.Run(context.Background(), entries("a/web", "a/web"))
	require.NoError(t, err)
	assert.Empty(t, report.Collisions)
}

// Re-running a full catalog sync with force yields an equal, fully successful
// report: re-pushing an unchanged image is a no-op at the registry level.
func TestRunForceRerunIdempotent(t *testing.T) {
	client := newFakeClient()
	engine := newTestEngine(t, client, Options{Force: true})

	first, err := engine.Run(context.Background(), entries("abc/nginx:1234", "redis:6-alpine"))
	require.NoError(t, err)
	second, err := engine.Run(context.Background(), entries("abc/nginx:1234", "redis:6-alpine"))
	require.NoError(t, err)
	assert.Equal(t, first.Succeeded, second.Succeeded)
	assert.Len(t, second.Records, len(first.Records))
	assert.Zero(t, second.Failed)
}

func TestRunFreshnessSkips(t *testing.T) {
	client := newFakeClient()
	engine := newTestEngine(t, client, Options{
		Freshness: time.Hour,
		History: []mappinglog.Record{
			mappinglog.Success("abc/nginx:1234", "registry.example.com/mirror/abc-nginx:1234", testDigest),
		},
	})

	report, err := engine.Run(context.Background(), entries("abc/nginx:1234", "redis:6-alpine"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, client.pulls["abc/nginx:1234"])
	assert.Equal(t, 1, client.pulls["redis:6-alpine"])
}

func TestRunForceOverridesFreshness(t *testing.T) {
	client := newFakeClient()
	engine := newTestEngine(t, client, Options{
		Force:     true,
		Freshness: time.Hour,
		History: []mappinglog.Record{
			mappinglog.Success("abc/nginx:1234", "registry.example.com/mirror/abc-nginx:1234", testDigest),
		},
	})

	report, err := engine.Run(context.Background(), entries("abc/nginx:1234"))
	require.NoError(t, err)
	assert.Zero(t, report.Skipped)
	assert.Equal(t, 1, client.pulls["abc/nginx:1234"])
}

func TestRunStaleHistoryNotSkipped(t *testing.T) {
	stale := mappinglog.Success("abc/nginx:1234", "registry.example.com/mirror/abc-nginx:1234", testDigest)
	stale.Timestamp = stale.Timestamp.Add(-2 * time.Hour)
	client := newFakeClient()
	engine := newTestEngine(t, client, Options{Freshness: time.Hour, History: []mappinglog.Record{stale}})

	report, err := engine.Run(context.Background(), entries("abc/nginx:1234"))
	require.NoError(t, err)
	assert.Zero(t, report.Skipped)
	assert.Equal(t, 1, report.Succeeded)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newFakeClient()
	engine := newTestEngine(t, client, Options{})

	report, err := engine.Run(ctx, entries("abc/nginx:1234", "redis:6-alpine"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Succeeded)
	assert.Zero(t, client.pulls["abc/nginx:1234"])
	assert.Equal(t, 2, report.Skipped)
}

func TestRunBoundedParallel(t *testing.T) {
	client := newFakeClient()
	engine := newTestEngine(t, client, Options{Jobs: 3})

	refs := []string{"a/one:1", "a/two:1", "a/three:1", "a/four:1", "a/five:1"}
	report, err := engine.Run(context.Background(), entries(refs...))
	require.NoError(t, err)
	assert.Equal(t, 5, report.Succeeded)
	// Records keep manifest order regardless of completion order.
	for i, ref := range refs {
		assert.Equal(t, ref, report.Records[i].Source)
	}
	assert.Equal(t, 5, client.cleanups)
}

func TestRunDryRunTransfersNothing(t *testing.T) {
	client := newFakeClient()
	engine := newTestEngine(t, client, Options{DryRun: true})

	report, err := engine.Run(context.Background(), entries("abc/nginx:1234"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, client.pulls["abc/nginx:1234"])
	assert.Zero(t, client.cleanups)
}
