// Package batch drives asynchronous document generation for a session:
// a bounded worker pool renders every pending record, cancellation is
// cooperative, and the finished artifacts are archived for download.
package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"correo/internal/compose"
	"correo/internal/logging"
	"correo/internal/store"
	"correo/internal/types"
)

// Orchestrator runs generation batches. One batch per session at a time;
// starting an already-running session is a no-op.
type Orchestrator struct {
	store    *store.Store
	composer *compose.Composer
	workers  int
	outDir   func(sessionID string) string
	log      *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	done    map[string]chan struct{}
}

// New returns an orchestrator rendering with the given composer.
// outDir maps a session id to its artifact directory.
func New(st *store.Store, comp *compose.Composer, workers int, outDir func(string) string, log *zap.Logger) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:    st,
		composer: comp,
		workers:  workers,
		outDir:   outDir,
		log:      log,
		running:  make(map[string]context.CancelFunc),
		done:     make(map[string]chan struct{}),
	}
}

// Start launches generation for a session in the background. Returns
// false when the session is already being generated.
func (o *Orchestrator) Start(sessionID string, tpl *types.Template) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[sessionID]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.running[sessionID] = cancel
	ch := make(chan struct{})
	o.done[sessionID] = ch

	go func() {
		defer close(ch)
		defer func() {
			o.mu.Lock()
			delete(o.running, sessionID)
			delete(o.done, sessionID)
			o.mu.Unlock()
			cancel()
		}()
		o.run(ctx, sessionID, tpl)
	}()
	return true
}

// Cancel requests cooperative cancellation of a running session and
// flips its untouched records to cancelled. Safe to call for sessions
// that are not running.
func (o *Orchestrator) Cancel(sessionID string) error {
	o.mu.Lock()
	cancel, wasRunning := o.running[sessionID]
	o.mu.Unlock()

	if wasRunning {
		cancel()
		return nil // the running batch settles states on its way out
	}

	n, err := o.store.CancelRecords(sessionID)
	if err != nil {
		return err
	}
	if n > 0 {
		if err := o.store.UpdateSessionState(sessionID, types.SessionCancelled); err != nil {
			return err
		}
	}
	logging.Batch("Cancelled idle session %s: %d records flipped", sessionID, n)
	return nil
}

// Running reports whether a session batch is in flight.
func (o *Orchestrator) Running(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[sessionID]
	return ok
}

// Wait blocks until the named session's batch finishes. Returns
// immediately when none is running.
func (o *Orchestrator) Wait(sessionID string) {
	o.mu.Lock()
	ch := o.done[sessionID]
	o.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (o *Orchestrator) run(ctx context.Context, sessionID string, tpl *types.Template) {
	timer := logging.StartTimer(logging.CategoryBatch, "generate session "+sessionID)
	defer timer.Stop()

	if err := o.store.UpdateSessionState(sessionID, types.SessionGenerating); err != nil {
		o.log.Error("session state update failed", zap.String("session", sessionID), zap.Error(err))
		return
	}

	records, err := o.store.RecordsBySession(sessionID)
	if err != nil {
		o.log.Error("record load failed", zap.String("session", sessionID), zap.Error(err))
		o.store.UpdateSessionState(sessionID, types.SessionError)
		return
	}

	dir := o.outDir(sessionID)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	for i := range records {
		rec := records[i]
		if rec.State.Terminal() {
			continue
		}
		g.Go(func() error {
			// Cooperative cancellation: records not yet picked up stay
			// untouched here and are swept to cancelled below.
			if gctx.Err() != nil {
				return nil
			}
			o.renderOne(&rec, tpl, dir)
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		n, _ := o.store.CancelRecords(sessionID)
		o.store.UpdateSessionState(sessionID, types.SessionCancelled)
		logging.Batch("Session %s cancelled: %d records swept", sessionID, n)
		return
	}

	counts, err := o.store.CountsByState(sessionID)
	if err != nil {
		o.log.Error("count query failed", zap.String("session", sessionID), zap.Error(err))
		o.store.UpdateSessionState(sessionID, types.SessionError)
		return
	}
	final := Aggregate(counts)
	if err := o.store.UpdateSessionState(sessionID, final); err != nil {
		o.log.Error("final state update failed", zap.String("session", sessionID), zap.Error(err))
		return
	}

	if counts[types.RecordCompleted] > 0 {
		// Archive failure does not reopen the batch: the documents are
		// on disk and the records stay completed, only the download is
		// unavailable until a rerun of the packaging.
		archivePath, err := o.archive(sessionID, dir)
		if err != nil {
			o.log.Error("archive failed", zap.String("session", sessionID), zap.Error(err))
		} else if err := o.store.SetSessionArchive(sessionID, archivePath); err != nil {
			o.log.Error("archive path update failed", zap.String("session", sessionID), zap.Error(err))
		}
	}
	logging.Batch("Session %s done: state=%s counts=%v", sessionID, final, counts)
}

func (o *Orchestrator) renderOne(rec *types.MergedRecord, tpl *types.Template, dir string) {
	if err := o.store.UpdateRecordState(rec.ID, types.RecordGenerating, ""); err != nil {
		o.log.Error("record state update failed", zap.Int64("record", rec.ID), zap.Error(err))
		return
	}

	outPath := filepath.Join(dir, RecordFilename(rec))
	hash, err := o.composer.Render(tpl, rec, outPath)
	if err != nil {
		o.log.Warn("render failed", zap.Int64("record", rec.ID), zap.Error(err))
		o.store.UpdateRecordState(rec.ID, types.RecordError, err.Error())
		return
	}
	if err := o.store.SetRecordArtifact(rec.ID, outPath, hash); err != nil {
		o.log.Error("artifact update failed", zap.Int64("record", rec.ID), zap.Error(err))
	}
}

// Aggregate derives the session state from its record state counts.
// Activity wins over outcomes. Once every record is terminal the batch
// is completed as soon as at least one record completed: per-record
// failures stay on the records, they do not fail the run. A batch with
// no completions is cancelled when anything was cancelled, error
// otherwise.
func Aggregate(counts map[types.RecordState]int) types.SessionState {
	if counts[types.RecordGenerating] > 0 {
		return types.SessionGenerating
	}
	if counts[types.RecordPending] > 0 {
		return types.SessionPending
	}
	if counts[types.RecordCompleted] > 0 {
		return types.SessionCompleted
	}
	if counts[types.RecordCancelled] > 0 {
		return types.SessionCancelled
	}
	if counts[types.RecordError] > 0 {
		return types.SessionError
	}
	return types.SessionPending
}

// RecordFilename names a record's document after its account, with the
// position as tiebreaker so two documents for one account never collide.
func RecordFilename(rec *types.MergedRecord) string {
	base := sanitizeName(rec.Account)
	if base == "" {
		base = sanitizeName(rec.Code)
	}
	if base == "" {
		return fmt.Sprintf("registro_%d.pdf", rec.Position+1)
	}
	return fmt.Sprintf("%s_%d.pdf", base, rec.Position+1)
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
