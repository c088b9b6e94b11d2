package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/flant/roster-sync/internal/db"
	"github.com/flant/roster-sync/internal/roster"
	"github.com/flant/roster-sync/internal/types"
)

type Mode string

const (
	ModeFull   Mode = "full"
	ModeLatest Mode = "latest"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeFull, ModeLatest:
		return m, nil
	}
	return "", fmt.Errorf("unknown sync mode %q, expected %q or %q", s, ModeFull, ModeLatest)
}

type Source interface {
	FetchFull(ctx context.Context) (roster.Batch, error)
	FetchDelta(ctx context.Context, since time.Time) (roster.Batch, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, record types.RosterRecord) Result
}

// Filter selects the records a run reconciles. A nil Filter selects all.
type Filter func(types.RosterRecord) bool

func OnlyMember(id int64) Filter {
	return func(r types.RosterRecord) bool {
		return r.ID == id
	}
}

type RunnerConfig struct {
	Workers int
	Filter  Filter
	// ReadOnly runs leave the checkpoint untouched. Set it when the writes
	// of a pass do not reach the real directory.
	ReadOnly bool
}

// Runner drives one sync pass: retrieve, reconcile every record, then
// advance the checkpoint.
type Runner struct {
	source     Source
	checkpoint db.Checkpoint
	engine     Reconciler
	cfg        RunnerConfig
	logger     hclog.Logger
	now        func() time.Time
}

func NewRunner(source Source, checkpoint db.Checkpoint, engine Reconciler, cfg RunnerConfig, logger hclog.Logger) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	return &Runner{
		source:     source,
		checkpoint: checkpoint,
		engine:     engine,
		cfg:        cfg,
		logger:     logger.Named("runner"),
		now:        time.Now,
	}
}

func (r *Runner) Run(ctx context.Context, mode Mode) (Summary, error) {
	started := r.now()

	batch, err := r.fetch(ctx, mode)
	if err != nil {
		r.logger.Error(fmt.Sprintf("%s sync aborted, checkpoint not advanced", mode), "error", err)
		return Summary{}, err
	}

	summary := Summary{Total: len(batch.Records), Partial: batch.Partial}

	records := make([]types.RosterRecord, 0, len(batch.Records))
	for _, rec := range batch.Records {
		if r.cfg.Filter != nil && !r.cfg.Filter(rec) {
			summary.Filtered++
			continue
		}
		records = append(records, rec)
	}

	r.reconcileAll(ctx, records, &summary)

	r.logger.Info(fmt.Sprintf("%s sync finished", mode),
		"total", summary.Total, "filtered", summary.Filtered, "skipped", summary.Skipped,
		"created", summary.Created, "updated", summary.Updated, "failed", summary.Failed,
		"degraded", summary.Degraded)

	switch {
	case ctx.Err() != nil:
		return summary, fmt.Errorf("%s sync interrupted: %w", mode, ctx.Err())
	case batch.Partial:
		r.logger.Warn("roster retrieval was partial, checkpoint not advanced")
		return summary, nil
	case r.cfg.Filter != nil:
		r.logger.Info("filtered run, checkpoint not advanced")
		return summary, nil
	case r.cfg.ReadOnly:
		r.logger.Info("read-only run, checkpoint not advanced")
		return summary, nil
	}

	if err := r.checkpoint.CommitSyncTime(ctx, started); err != nil {
		return summary, fmt.Errorf("commit sync time: %w", err)
	}

	return summary, nil
}

func (r *Runner) fetch(ctx context.Context, mode Mode) (roster.Batch, error) {
	switch mode {
	case ModeFull:
		return r.source.FetchFull(ctx)
	case ModeLatest:
		since, err := r.checkpoint.LastSyncDate(ctx)
		if err != nil {
			return roster.Batch{}, fmt.Errorf("read checkpoint: %w", err)
		}
		r.logger.Info(fmt.Sprintf("fetching records changed since %s", since.Format("2006-01-02")))
		return r.source.FetchDelta(ctx, since)
	}
	return roster.Batch{}, fmt.Errorf("unknown sync mode %q", mode)
}

// reconcileAll attempts every record once. Concurrent workers never share a
// logon name, the engine serializes that.
func (r *Runner) reconcileAll(ctx context.Context, records []types.RosterRecord, summary *Summary) {
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan types.RosterRecord)
	)

	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				res := r.engine.Reconcile(ctx, rec)
				r.recordSeen(ctx, rec, res)

				mu.Lock()
				summary.add(res)
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, rec := range records {
		select {
		case jobs <- rec:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()
}

func (r *Runner) recordSeen(ctx context.Context, rec types.RosterRecord, res Result) {
	if r.cfg.ReadOnly || (res.Outcome != Created && res.Outcome != Updated) {
		return
	}

	err := r.checkpoint.RecordSeen(ctx, db.Member{RosterID: rec.ID, FirstName: rec.FirstName, LastName: rec.LastName})
	if err != nil {
		r.logger.Warn("failed to record member", "roster_id", rec.ID, "error", err)
	}
}
