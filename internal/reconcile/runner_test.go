package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/flant/roster-sync/internal/db"
	"github.com/flant/roster-sync/internal/directory"
	"github.com/flant/roster-sync/internal/directory/memory"
	"github.com/flant/roster-sync/internal/policy"
	"github.com/flant/roster-sync/internal/reconcile"
	"github.com/flant/roster-sync/internal/roster"
	"github.com/flant/roster-sync/internal/types"
)

type fakeSource struct {
	batch roster.Batch
	err   error
	since time.Time
	mode  reconcile.Mode
}

func (f *fakeSource) FetchFull(context.Context) (roster.Batch, error) {
	f.mode = reconcile.ModeFull
	return f.batch, f.err
}

func (f *fakeSource) FetchDelta(_ context.Context, since time.Time) (roster.Batch, error) {
	f.mode = reconcile.ModeLatest
	f.since = since
	return f.batch, f.err
}

type fakeCheckpoint struct {
	mu        sync.Mutex
	last      time.Time
	committed []time.Time
	seen      map[int64]db.Member
}

func (f *fakeCheckpoint) Migrate() error { return nil }
func (f *fakeCheckpoint) Close()         {}

func (f *fakeCheckpoint) LastSyncDate(context.Context) (time.Time, error) {
	return f.last, nil
}

func (f *fakeCheckpoint) RecordSeen(_ context.Context, m db.Member) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[m.RosterID] = m
	return nil
}

func (f *fakeCheckpoint) CommitSyncTime(_ context.Context, at time.Time) error {
	f.committed = append(f.committed, at)
	return nil
}

// tracingEngine counts concurrent reconciles of one logon name.
type tracingEngine struct {
	next reconcile.Reconciler

	mu       sync.Mutex
	attempts map[int64]int
}

func (e *tracingEngine) Reconcile(ctx context.Context, r types.RosterRecord) reconcile.Result {
	e.mu.Lock()
	e.attempts[r.ID]++
	e.mu.Unlock()
	return e.next.Reconcile(ctx, r)
}

func record(id int64, logon string) types.RosterRecord {
	return types.RosterRecord{
		ID:                id,
		FirstName:         "First",
		LastName:          fmt.Sprintf("Last%d", id),
		Email:             logon + "@example.com",
		MembershipLevel:   &types.MembershipLevel{ID: 1, Name: "Standard"},
		MembershipEnabled: true,
		Status:            types.StatusActive,
		FieldValues: []types.FieldValue{
			{Name: "AD Username", Kind: types.FieldText, Text: logon},
			{Name: "Computer Authorizations", Kind: types.FieldChoiceList, Labels: []string{"Laser"}},
		},
	}
}

var _ = Describe("Runner", func() {
	var (
		ctx        context.Context
		store      *memory.Directory
		source     *fakeSource
		checkpoint *fakeCheckpoint
		engine     *tracingEngine
		lastSync   = time.Date(2022, 1, 5, 0, 0, 0, 0, time.UTC)
	)

	newRunner := func(cfg reconcile.RunnerConfig) *reconcile.Runner {
		return reconcile.NewRunner(source, checkpoint, engine, cfg, hclog.NewNullLogger())
	}

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		store, err = memory.NewDirectory("Laser")
		Expect(err).ToNot(HaveOccurred())

		source = &fakeSource{}
		checkpoint = &fakeCheckpoint{last: lastSync, seen: map[int64]db.Member{}}
		engine = &tracingEngine{
			next:     reconcile.NewEngine(store, nil, policy.DefaultFields(), hclog.NewNullLogger()),
			attempts: map[int64]int{},
		}
	})

	Context("latest mode", func() {
		It("reconciles the delta and advances the checkpoint", func() {
			source.batch = roster.Batch{Records: []types.RosterRecord{record(1, "alpha"), record(2, "bravo")}}

			summary, err := newRunner(reconcile.RunnerConfig{}).Run(ctx, reconcile.ModeLatest)

			Expect(err).ToNot(HaveOccurred())
			Expect(source.mode).To(Equal(reconcile.ModeLatest))
			Expect(source.since).To(Equal(lastSync))
			Expect(summary.Created).To(Equal(2))
			Expect(checkpoint.committed).To(HaveLen(1))
			Expect(checkpoint.seen).To(HaveKey(int64(1)))
			Expect(checkpoint.seen[2].LastName).To(Equal("Last2"))

			identities, err := store.Identities()
			Expect(err).ToNot(HaveOccurred())
			Expect(identities["alpha"].Groups).To(ConsistOf("Laser"))
		})
	})

	Context("full mode", func() {
		It("fetches the whole roster", func() {
			source.batch = roster.Batch{Records: []types.RosterRecord{record(1, "alpha")}}

			_, err := newRunner(reconcile.RunnerConfig{}).Run(ctx, reconcile.ModeFull)

			Expect(err).ToNot(HaveOccurred())
			Expect(source.mode).To(Equal(reconcile.ModeFull))
			Expect(checkpoint.committed).To(HaveLen(1))
		})

		It("does not advance the checkpoint after a partial retrieval", func() {
			source.batch = roster.Batch{Records: []types.RosterRecord{record(1, "alpha")}, Partial: true}

			summary, err := newRunner(reconcile.RunnerConfig{}).Run(ctx, reconcile.ModeFull)

			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Partial).To(BeTrue())
			Expect(summary.Created).To(Equal(1))
			Expect(checkpoint.committed).To(BeEmpty())
		})
	})

	It("aborts without touching anything when retrieval fails", func() {
		source.err = fmt.Errorf("%w: contacts export result", roster.ErrRetrievalFailed)

		_, err := newRunner(reconcile.RunnerConfig{}).Run(ctx, reconcile.ModeLatest)

		Expect(errors.Is(err, roster.ErrRetrievalFailed)).To(BeTrue())
		Expect(checkpoint.committed).To(BeEmpty())
		Expect(store.Writes()).To(BeZero())
	})

	It("keeps going after a failed record", func() {
		broken := record(2, "bravo")
		broken.FieldValues[0].Text = ""
		source.batch = roster.Batch{Records: []types.RosterRecord{record(1, "alpha"), broken, record(3, "charlie")}}

		summary, err := newRunner(reconcile.RunnerConfig{}).Run(ctx, reconcile.ModeLatest)

		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Created).To(Equal(2))
		Expect(summary.Skipped).To(Equal(1))
		Expect(checkpoint.seen).ToNot(HaveKey(int64(2)))
	})

	It("only reconciles the selected member and keeps the checkpoint", func() {
		source.batch = roster.Batch{Records: []types.RosterRecord{record(1, "alpha"), record(2, "bravo")}}

		summary, err := newRunner(reconcile.RunnerConfig{Filter: reconcile.OnlyMember(2)}).Run(ctx, reconcile.ModeLatest)

		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Filtered).To(Equal(1))
		Expect(engine.attempts).To(Equal(map[int64]int{2: 1}))
		Expect(checkpoint.committed).To(BeEmpty())
	})

	It("leaves the checkpoint alone when the directory only logs writes", func() {
		source.batch = roster.Batch{Records: []types.RosterRecord{record(1, "alpha")}}
		engine.next = reconcile.NewEngine(directory.NewDryRun(store, hclog.NewNullLogger()), nil, policy.DefaultFields(), hclog.NewNullLogger())

		summary, err := newRunner(reconcile.RunnerConfig{ReadOnly: true}).Run(ctx, reconcile.ModeLatest)

		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Created).To(Equal(1))
		Expect(store.Writes()).To(BeZero())
		Expect(checkpoint.committed).To(BeEmpty())
		Expect(checkpoint.seen).To(BeEmpty())
	})

	It("attempts every record exactly once with several workers", func() {
		var records []types.RosterRecord
		for i := int64(1); i <= 50; i++ {
			// pairs of records share a logon name
			records = append(records, record(i, fmt.Sprintf("user%d", (i+1)/2)))
		}
		source.batch = roster.Batch{Records: records}

		summary, err := newRunner(reconcile.RunnerConfig{Workers: 8}).Run(ctx, reconcile.ModeLatest)

		Expect(err).ToNot(HaveOccurred())
		Expect(engine.attempts).To(HaveLen(50))
		for id, n := range engine.attempts {
			Expect(n).To(Equal(1), "record %d", id)
		}
		Expect(summary.Created + summary.Updated).To(Equal(50))
		Expect(summary.Created).To(Equal(25))

		identities, err := store.Identities()
		Expect(err).ToNot(HaveOccurred())
		Expect(identities).To(HaveLen(25))
		Expect(checkpoint.committed).To(HaveLen(1))
	})

	It("stops dispatching when the context is cancelled", func() {
		source.batch = roster.Batch{Records: []types.RosterRecord{record(1, "alpha")}}
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := newRunner(reconcile.RunnerConfig{}).Run(cancelled, reconcile.ModeLatest)

		Expect(err).To(HaveOccurred())
		Expect(checkpoint.committed).To(BeEmpty())
	})
})

var _ = Describe("ParseMode", func() {
	It("accepts the two sync modes", func() {
		Expect(reconcile.ParseMode("full")).To(Equal(reconcile.ModeFull))
		Expect(reconcile.ParseMode("latest")).To(Equal(reconcile.ModeLatest))
	})

	It("rejects anything else", func() {
		_, err := reconcile.ParseMode("everything")
		Expect(err).To(HaveOccurred())
	})
})
