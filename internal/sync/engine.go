// Package sync reconciles a manifest of source images against a target
// registry: parse, transform, transfer with retry, record the mapping.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"go.podman.io/common/pkg/retry"
	"golang.org/x/sync/errgroup"

	"github.com/yorelog/regsync/internal/manifest"
	"github.com/yorelog/regsync/internal/mappinglog"
	"github.com/yorelog/regsync/internal/reference"
	"github.com/yorelog/regsync/internal/registry"
	"github.com/yorelog/regsync/internal/transform"
)

const (
	// DefaultRetryTimes retries each transfer operation twice after the first
	// failure, three attempts in total.
	DefaultRetryTimes = 2
	// DefaultRetryDelay is the initial backoff; it doubles per retry.
	DefaultRetryDelay = 2 * time.Second
)

// Options configure one sync run. All configuration is explicit; the engine
// reads nothing from the environment.
type Options struct {
	TargetRegistry string           // base registry for all targets, required
	Policy         transform.Policy // fixed for the whole run
	RetryTimes     int              // retries per transfer operation after the first attempt
	RetryDelay     time.Duration    // initial backoff between retries
	Jobs           int              // concurrent entries; 1 = sequential
	Force          bool             // transfer even when History has a fresh success
	Freshness      time.Duration    // 0 disables the History lookup entirely
	DryRun         bool             // plan and report without transferring

	// History holds previously logged records; with Freshness set, entries
	// that already succeeded recently are skipped unless Force is given.
	History []mappinglog.Record
}

// ConfigurationError is a run-level fatal error: the run aborts before any
// transfer is attempted.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// NameCollisionWarning reports two distinct source repositories mapping to
// the same target name and tag. Non-fatal: the later entry overwrites the
// earlier one in the target registry, matching registry tag semantics, but
// the operator is informed.
type NameCollisionWarning struct {
	Target         string
	PreviousSource string
	Source         string
}

func (w NameCollisionWarning) String() string {
	return fmt.Sprintf("target %s already mapped from %s, overwritten by %s", w.Target, w.PreviousSource, w.Source)
}

// Report is the outcome of a whole run: one record per processed entry, in
// manifest order, plus summary counts.
type Report struct {
	Records    []mappinglog.Record
	Collisions []NameCollisionWarning
	Succeeded  int
	Failed     int
	Skipped    int
}

// Engine owns the in-memory manifest, the collision map and the log writer
// for the duration of one run.
type Engine struct {
	client registry.Client
	log    *mappinglog.Writer // nil when no log is kept (dry runs)
	opts   Options
}

// New validates opts and builds an engine around client. log may be nil.
func New(client registry.Client, log *mappinglog.Writer, opts Options) (*Engine, error) {
	if opts.TargetRegistry == "" {
		return nil, &ConfigurationError{Reason: "a target registry must be specified"}
	}
	if opts.RetryTimes < 0 {
		opts.RetryTimes = DefaultRetryTimes
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Jobs < 1 {
		opts.Jobs = 1
	}
	return &Engine{client: client, log: log, opts: opts}, nil
}

// plan is the resolved form of one manifest entry, produced in manifest order
// before any transfer starts so that collision precedence is deterministic
// even under parallel transfers.
type plan struct {
	source reference.ImageReference
	target transform.TargetImage
	skip   bool               // fresh prior success, no transfer needed
	failed *mappinglog.Record // pre-resolved failure (malformed reference)
}

// Run processes entries in order. Per-entry failures never escape: they
// become failed records in the report. The returned error is non-nil only
// when ctx was cancelled; the report is valid either way.
func (e *Engine) Run(ctx context.Context, entries []manifest.Entry) (*Report, error) {
	report := &Report{}

	plans := make([]plan, 0, len(entries))
	seen := make(map[string]string) // target name:tag -> first source repository
	for _, entry := range entries {
		ref, err := reference.Parse(entry.Ref)
		if err != nil {
			logrus.WithField("ref", entry.Ref).Errorf("Skipping malformed entry (line %d): %v", entry.Line, err)
			rec := mappinglog.Failed(entry.Ref, "", err)
			plans = append(plans, plan{failed: &rec})
			continue
		}
		target := transform.Target(ref, e.opts.TargetRegistry, e.opts.Policy)
		if prev, ok := seen[target.RepoTag()]; ok && prev != ref.Repository {
			w := NameCollisionWarning{Target: target.String(), PreviousSource: prev, Source: ref.Repository}
			logrus.WithFields(logrus.Fields{
				"target":   w.Target,
				"previous": w.PreviousSource,
				"source":   w.Source,
			}).Warn("Target name collision, later entry overwrites earlier push")
			report.Collisions = append(report.Collisions, w)
		} else if !ok {
			seen[target.RepoTag()] = ref.Repository
		}
		plans = append(plans, plan{
			source: ref,
			target: target,
			skip:   e.isFresh(ref.String(), target.String()),
		})
	}

	records := make([]*mappinglog.Record, len(plans))
	group := new(errgroup.Group)
	group.SetLimit(e.opts.Jobs)
	for i, p := range plans {
		switch {
		case p.failed != nil:
			records[i] = p.failed
			e.append(*p.failed)
			continue
		case p.skip:
			logrus.WithFields(logrus.Fields{
				"from": p.source.String(),
				"to":   p.target.String(),
			}).Info("Skipping, synced successfully within the freshness window")
			continue
		}
		// Cancellation halts before starting new entries; in-flight entries
		// finish or fail cleanly below.
		if ctx.Err() != nil {
			break
		}
		n, p := i+1, p
		group.Go(func() error {
			rec := e.processEntry(ctx, n, len(plans), p)
			records[n-1] = &rec
			e.append(rec)
			return nil
		})
	}
	_ = group.Wait()

	for i, p := range plans {
		switch {
		case p.skip, records[i] == nil: // skipped, or never started due to cancellation
			report.Skipped++
		default:
			report.Records = append(report.Records, *records[i])
			if records[i].Outcome == mappinglog.OutcomeSuccess {
				report.Succeeded++
			} else {
				report.Failed++
			}
		}
	}
	return report, ctx.Err()
}

// processEntry runs pull, tag, push for one entry, each retried with
// exponential backoff on transient failures, and always cleans up local
// transfer state before the worker moves on.
func (e *Engine) processEntry(ctx context.Context, n, total int, p plan) mappinglog.Record {
	source, target := p.source.String(), p.target.String()
	logger := logrus.WithFields(logrus.Fields{"from": source, "to": target})

	if e.opts.DryRun {
		logger.Infof("Would have copied image ref %d/%d", n, total)
		return mappinglog.Success(source, target, "")
	}
	logger.Infof("Copying image ref %d/%d", n, total)

	// Cleanup must run even when the run is being cancelled.
	defer e.client.Cleanup(context.WithoutCancel(ctx), source, target)

	retryOpts := &retry.Options{
		MaxRetry:         e.opts.RetryTimes,
		Delay:            e.opts.RetryDelay,
		IsErrorRetryable: registry.IsTransient,
	}
	if err := retry.IfNecessary(ctx, func() error {
		return e.client.Pull(ctx, source)
	}, retryOpts); err != nil {
		logger.WithError(err).Error("Error copying ref")
		return mappinglog.Failed(source, target, err)
	}
	if err := retry.IfNecessary(ctx, func() error {
		return e.client.Tag(ctx, source, target)
	}, retryOpts); err != nil {
		logger.WithError(err).Error("Error copying ref")
		return mappinglog.Failed(source, target, err)
	}
	var dgst digest.Digest
	if err := retry.IfNecessary(ctx, func() error {
		var err error
		dgst, err = e.client.Push(ctx, target)
		return err
	}, retryOpts); err != nil {
		logger.WithError(err).Error("Error copying ref")
		return mappinglog.Failed(source, target, err)
	}
	return mappinglog.Success(source, target, dgst)
}

// isFresh reports whether a prior success for the same source and target
// falls inside the freshness window.
func (e *Engine) isFresh(source, target string) bool {
	if e.opts.Force || e.opts.Freshness <= 0 {
		return false
	}
	cutoff := time.Now().Add(-e.opts.Freshness)
	for i := len(e.opts.History) - 1; i >= 0; i-- {
		rec := e.opts.History[i]
		if rec.Outcome == mappinglog.OutcomeSuccess && rec.Source == source && rec.Target == target && rec.Timestamp.After(cutoff) {
			return true
		}
	}
	return false
}

// append writes rec to the mapping log as the run progresses. Log failures
// are reported but do not fail the entry: the transfer already happened.
func (e *Engine) append(rec mappinglog.Record) {
	if e.log == nil || e.opts.DryRun {
		return
	}
	if err := e.log.Append(rec); err != nil {
		logrus.WithError(err).Error("Failed to append mapping record")
	}
}
