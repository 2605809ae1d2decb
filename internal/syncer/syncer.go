// Package syncer coordinates bidirectional synchronization between the
// local store and the authoritative server: a push phase draining
// pending local work, then a pull phase reconciling server state. A
// cycle always runs to completion; partial failure degrades to a
// non-empty error list, never to lost or half-updated records.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/harworth/field-sync/internal/api"
	"github.com/harworth/field-sync/internal/models"
	"github.com/harworth/field-sync/internal/store"
	"github.com/harworth/field-sync/internal/syncerr"
)

const (
	// maxPushAttempts bounds retries for one item within one cycle.
	maxPushAttempts = 3

	// maxQueueRetries bounds the lifetime retries of a generic queue
	// item across cycles.
	maxQueueRetries = 5

	// backoffBase and backoffCap shape the per-item retry delay:
	// base 1s, doubling, capped at 5s.
	backoffBase = 1 * time.Second
	backoffCap  = 5 * time.Second
)

// ErrSyncInProgress is returned when Sync is invoked while a cycle is
// already running. Callers coalesce the trigger into the next attempt
// rather than preempting the cycle in flight.
var ErrSyncInProgress = errors.New("sync already in progress")

// ServerAPI is the slice of the server client the orchestrator needs.
type ServerAPI interface {
	CreateInspection(ctx context.Context, clientID string, payload json.RawMessage) (*api.ServerRecord, error)
	UpdateInspection(ctx context.Context, serverID string, payload json.RawMessage) (*api.ServerRecord, error)
	ListInspections(ctx context.Context, scope []string) ([]api.ServerRecord, error)
	CreateEntry(ctx context.Context, inspectionServerID, clientID string, key models.EntryKey, payload json.RawMessage) (*api.ServerRecord, error)
	UpdateEntry(ctx context.Context, inspectionServerID, entryServerID string, payload json.RawMessage) (*api.ServerRecord, error)
	ListEntries(ctx context.Context, inspectionServerID string) ([]api.ServerRecord, error)
	UploadImage(ctx context.Context, filename string, content io.Reader) (string, error)
}

// Progress is one snapshot of a running cycle, emitted to subscribers.
type Progress struct {
	Total            int    `json:"total"`
	Completed        int    `json:"completed"`
	Failed           int    `json:"failed"`
	CurrentOperation string `json:"current_operation"`
}

// Result summarizes one completed sync cycle.
type Result struct {
	Uploaded   int // attachments that reached the server
	Pushed     int // records that reached the server
	Pulled     int // records inserted or reconciled from the server
	Tombstoned int // records marked deleted after a full pull
	Retained   int // items still pending after retry exhaustion
	Errors     []error
}

// Failed reports whether the cycle should be surfaced as a failure:
// any item left pending after exhausting retries, or any reported
// error. Record data is never deleted on failure; undelivered edits
// stay queryable and are retried next cycle.
func (r *Result) Failed() bool {
	return r.Retained > 0 || len(r.Errors) > 0
}

func (r *Result) reportError(err error) {
	r.Errors = append(r.Errors, err)
}

// Config holds the orchestrator's dependencies.
type Config struct {
	Store  *store.Store
	API    ServerAPI
	Logger *slog.Logger

	// Scope limits pulls to the given server inspection ids. Empty
	// means everything visible to the device.
	Scope []string
}

// Syncer is the sync orchestrator. One instance owns the "sync in
// progress" guard; concurrent Sync calls are rejected, not queued.
type Syncer struct {
	store  *store.Store
	api    ServerAPI
	logger *slog.Logger
	scope  []string

	// guard is the single-slot semaphore serializing cycles.
	guard *semaphore.Weighted

	subsMu sync.Mutex
	subs   []chan Progress

	progMu   sync.Mutex
	progress Progress

	// sleep is the backoff wait, replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Syncer.
func New(cfg Config) *Syncer {
	return &Syncer{
		store:  cfg.Store,
		api:    cfg.API,
		logger: cfg.Logger,
		scope:  cfg.Scope,
		guard:  semaphore.NewWeighted(1),
		sleep:  sleepCtx,
	}
}

// Sync runs one full cycle: push, then pull. Returns ErrSyncInProgress
// if a cycle is already running. The cycle itself never aborts midway;
// per-item failures accumulate in the result.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	if !s.guard.TryAcquire(1) {
		return nil, ErrSyncInProgress
	}
	defer s.guard.Release(1)

	started := time.Now()
	s.logger.Info("sync cycle starting")

	s.resetProgress()

	res := &Result{}

	s.pushPhase(ctx, res)

	if s.pullPhase(ctx, res) {
		if err := s.store.SetLastFullPull(time.Now()); err != nil {
			s.logger.Warn("recording pull time", slog.String("error", err.Error()))
		}
	}

	s.emit("idle")

	s.logger.Info("sync cycle complete",
		slog.Int("uploaded", res.Uploaded),
		slog.Int("pushed", res.Pushed),
		slog.Int("pulled", res.Pulled),
		slog.Int("tombstoned", res.Tombstoned),
		slog.Int("retained", res.Retained),
		slog.Int("errors", len(res.Errors)),
		slog.Duration("elapsed", time.Since(started)),
	)

	return res, nil
}

// Subscribe returns a channel receiving progress snapshots. Slow
// subscribers miss intermediate snapshots rather than stalling the
// cycle.
func (s *Syncer) Subscribe() <-chan Progress {
	ch := make(chan Progress, 16)

	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()

	return ch
}

func (s *Syncer) resetProgress() {
	s.progMu.Lock()
	s.progress = Progress{}
	s.progMu.Unlock()
}

// addWork grows the cycle's known total as each phase discovers items.
func (s *Syncer) addWork(n int) {
	s.progMu.Lock()
	s.progress.Total += n
	s.progMu.Unlock()
}

func (s *Syncer) itemDone(failed bool) {
	s.progMu.Lock()
	s.progress.Completed++
	if failed {
		s.progress.Failed++
	}
	s.progMu.Unlock()
}

// emit publishes the current snapshot with the given operation label.
func (s *Syncer) emit(operation string) {
	s.progMu.Lock()
	p := s.progress
	p.CurrentOperation = operation
	s.progMu.Unlock()

	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// attempt runs fn up to maxPushAttempts times with exponential backoff
// between retryable failures. Non-retryable failures return
// immediately.
func (s *Syncer) attempt(ctx context.Context, op string, fn func() error) error {
	var err error

	for i := 1; i <= maxPushAttempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !syncerr.Retryable(err) || i == maxPushAttempts {
			return err
		}

		delay := backoffDelay(i)
		s.logger.Debug("retrying after backoff",
			slog.String("op", op),
			slog.Int("attempt", i),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		if serr := s.sleep(ctx, delay); serr != nil {
			return err
		}
	}

	return err
}

// backoffDelay returns the delay before attempt+1: base 1s, doubling,
// capped at 5s.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap {
		d = backoffCap
	}

	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
