// Package chainsync mirrors on-chain order lifecycle events into the Order
// Store. Events arrive on a single inbox and are applied one at a time.
package chainsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"collswap/internal/domain"
	"collswap/internal/event"
	"collswap/internal/infra"
)

var (
	// ErrEventRejected marks an event that was logged and skipped.
	ErrEventRejected = errors.New("chain event rejected")
	// ErrSyncRunning is returned when a manual sync is already in progress.
	ErrSyncRunning = errors.New("sync already running")
	// ErrNoBackfill is returned by TriggerSync when no backfill source is set.
	ErrNoBackfill = errors.New("no backfill source configured")
)

// Store is the part of the Order Store the mirror writes through.
type Store interface {
	UpsertFromChain(ctx context.Context, ev event.Event) (*domain.Order, domain.ApplyOutcome, error)
	ResyncDeferred(ctx context.Context, onChainOrderIDs []string) (int, error)
	LastSequence(ctx context.Context) (uint64, error)
	ContiguousSequence(ctx context.Context) (uint64, error)
	MarkSkipped(ctx context.Context, reason string, seqs ...uint64) error
}

// Options configures a Syncer. Zero values are valid.
type Options struct {
	// KnownTokens restricts mirrored orders to these tokens. Empty allows all.
	KnownTokens []string
	Backfill    domain.Backfiller
	FeedName    string
	Metrics     *infra.Metrics
}

// Status is the externally visible sync state.
type Status struct {
	Running      bool   `json:"running"`
	LastSequence uint64 `json:"lastSequence"`
	Feed         string `json:"feed"`
}

// Report summarizes one TriggerSync run.
type Report struct {
	FromSeq  uint64 `json:"fromSeq"`
	Fetched  int    `json:"fetched"`
	Applied  int    `json:"applied"`
	Skipped  int    `json:"skipped"`
	Gaps     int    `json:"gaps"`
	Resynced int    `json:"resynced"`
	LastSeq  uint64 `json:"lastSequence"`
}

// Syncer is the chain mirror's event processor.
type Syncer struct {
	inbox    chan event.Event
	store    Store
	known    map[string]struct{}
	backfill domain.Backfiller
	feed     string
	metrics  *infra.Metrics
	logger   *slog.Logger

	running atomic.Bool
	lastSeq atomic.Uint64
}

// NewSyncer creates a syncer with an inbox of inboxSize events.
func NewSyncer(inboxSize int, store Store, opts Options) *Syncer {
	known := make(map[string]struct{}, len(opts.KnownTokens))
	for _, t := range opts.KnownTokens {
		known[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	feed := opts.FeedName
	if feed == "" {
		feed = infra.FeedNone
	}
	return &Syncer{
		inbox:    make(chan event.Event, inboxSize),
		store:    store,
		known:    known,
		backfill: opts.Backfill,
		feed:     feed,
		metrics:  metrics,
		logger:   slog.Default().With("module", "chainsync"),
	}
}

// Inbox returns the event channel. Feeds send events here.
func (s *Syncer) Inbox() chan<- event.Event {
	return s.inbox
}

// Prime loads the sync cursor from the store.
func (s *Syncer) Prime(ctx context.Context) (uint64, error) {
	seq, err := s.store.LastSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("load sync cursor: %w", err)
	}
	s.advance(seq)
	return seq, nil
}

// Run consumes the inbox until ctx is done. It must run in a single goroutine.
func (s *Syncer) Run(ctx context.Context) {
	s.logger.Info("🔗 Chain sync started", slog.String("feed", s.feed), slog.Uint64("last_seq", s.lastSeq.Load()))

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			s.DumpState("chainsync_panic_dump.json")
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Chain sync stopping...")
			return
		case ev := <-s.inbox:
			if _, err := s.Process(ctx, ev); err != nil && !errors.Is(err, ErrEventRejected) {
				s.logger.Error("Chain event not applied",
					slog.Uint64("seq", ev.GetSeq()),
					slog.Any("error", err))
			}
		}
	}
}

// Process validates and applies one event. Rejected events are logged,
// counted and returned as ErrEventRejected; they never stop the loop.
func (s *Syncer) Process(ctx context.Context, ev event.Event) (domain.ApplyOutcome, error) {
	if reason := s.check(ev); reason != "" {
		return "", s.reject(ctx, ev, reason)
	}

	_, outcome, err := s.store.UpsertFromChain(ctx, ev)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return "", s.reject(ctx, ev, err.Error())
		}
		return "", fmt.Errorf("apply chain event %d: %w", ev.GetSeq(), err)
	}

	s.metrics.RecordSyncOutcome(outcome, ev.GetSeq())
	s.advance(ev.GetSeq())

	attrs := []any{
		slog.Uint64("seq", ev.GetSeq()),
		slog.String("type", string(ev.GetType())),
		slog.String("order", ev.ChainOrderID()),
		slog.String("outcome", string(outcome)),
	}
	if outcome == domain.OutcomeDeferred {
		s.logger.Info("Chain update deferred until settlement resolves", attrs...)
	} else {
		s.logger.Debug("Chain event processed", attrs...)
	}
	return outcome, nil
}

// reject marks the sequence as skipped so the backfill cursor does not stall
// on it.
func (s *Syncer) reject(ctx context.Context, ev event.Event, reason string) error {
	s.metrics.RecordSyncSkipped()
	s.logger.Warn("Skipping chain event",
		slog.Uint64("seq", ev.GetSeq()),
		slog.String("type", string(ev.GetType())),
		slog.String("order", ev.ChainOrderID()),
		slog.String("reason", reason))
	if err := s.store.MarkSkipped(ctx, reason, ev.GetSeq()); err != nil {
		s.logger.Error("Failed to mark skipped sequence",
			slog.Uint64("seq", ev.GetSeq()), slog.Any("error", err))
	}
	return fmt.Errorf("%w: seq %d: %s", ErrEventRejected, ev.GetSeq(), reason)
}

// check returns why ev cannot be applied, or "" when it can.
func (s *Syncer) check(ev event.Event) string {
	if ev.GetSeq() == 0 {
		return "missing sequence number"
	}
	if strings.TrimSpace(ev.ChainOrderID()) == "" {
		return "missing onChainOrderId"
	}

	switch e := ev.(type) {
	case *event.OrderPlaced:
		if e.Owner == "" {
			return "missing owner"
		}
		if !s.isKnown(e.CollateralToken) || !s.isKnown(e.DebtToken) {
			return fmt.Sprintf("unknown token pair %s/%s", e.CollateralToken, e.DebtToken)
		}
		if !e.CollateralAmount.IsPositive() || !e.CollateralAmount.IsInteger() {
			return "invalid collateralAmount " + e.CollateralAmount.String()
		}
		if !e.Price.IsPositive() || !e.Price.IsInteger() {
			return "invalid price " + e.Price.String()
		}
	case *event.OrderUpdated:
		if !e.NewPrice.IsPositive() || !e.NewPrice.IsInteger() {
			return "invalid newPrice " + e.NewPrice.String()
		}
	case *event.OrderCancelled:
	case *event.OrderTraded:
		if !e.TradedAmount.IsPositive() || !e.TradedAmount.IsInteger() {
			return "invalid tradedAmount " + e.TradedAmount.String()
		}
	default:
		return fmt.Sprintf("unknown event type %q", ev.GetType())
	}
	return ""
}

func (s *Syncer) isKnown(token string) bool {
	if len(s.known) == 0 {
		return true
	}
	_, ok := s.known[strings.ToUpper(strings.TrimSpace(token))]
	return ok
}

func (s *Syncer) advance(seq uint64) {
	for {
		cur := s.lastSeq.Load()
		if seq <= cur || s.lastSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// TriggerSync pulls every event after the highest contiguous sequence from the
// backfill source and applies it, then re-projects deferred orders. Sequences
// inside the fetched range that the source did not return are marked skipped.
// Only one run is allowed at a time; a concurrent call returns ErrSyncRunning.
func (s *Syncer) TriggerSync(ctx context.Context) (*Report, error) {
	if s.backfill == nil {
		return nil, ErrNoBackfill
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncRunning
	}
	defer s.running.Store(false)

	last, err := s.store.ContiguousSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sync cursor: %w", err)
	}
	rep := &Report{FromSeq: last + 1}

	s.logger.Info("Manual sync started", slog.Uint64("from_seq", rep.FromSeq))
	events, err := s.backfill.Fetch(ctx, rep.FromSeq)
	if err != nil {
		return nil, fmt.Errorf("backfill from %d: %w", rep.FromSeq, err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].GetSeq() < events[j].GetSeq() })
	rep.Fetched = len(events)

	returned := make(map[uint64]struct{}, len(events))
	var highest uint64
	for _, ev := range events {
		returned[ev.GetSeq()] = struct{}{}
		if ev.GetSeq() > highest {
			highest = ev.GetSeq()
		}
		outcome, err := s.Process(ctx, ev)
		switch {
		case errors.Is(err, ErrEventRejected):
			rep.Skipped++
		case err != nil:
			return rep, err
		case outcome == domain.OutcomeApplied:
			rep.Applied++
		}
	}

	var gaps []uint64
	for seq := rep.FromSeq; seq < highest; seq++ {
		if _, ok := returned[seq]; !ok {
			gaps = append(gaps, seq)
		}
	}
	if len(gaps) > 0 {
		if err := s.store.MarkSkipped(ctx, "absent from backfill", gaps...); err != nil {
			return rep, fmt.Errorf("mark backfill gaps: %w", err)
		}
		rep.Gaps = len(gaps)
	}

	rep.Resynced, err = s.store.ResyncDeferred(ctx, nil)
	if err != nil {
		return rep, fmt.Errorf("resync deferred orders: %w", err)
	}
	rep.LastSeq = s.lastSeq.Load()

	s.logger.Info("Manual sync finished",
		slog.Int("fetched", rep.Fetched),
		slog.Int("applied", rep.Applied),
		slog.Int("skipped", rep.Skipped),
		slog.Int("gaps", rep.Gaps),
		slog.Int("resynced", rep.Resynced))
	return rep, nil
}

// Status returns a snapshot of the sync state.
func (s *Syncer) Status() Status {
	return Status{
		Running:      s.running.Load(),
		LastSequence: s.lastSeq.Load(),
		Feed:         s.feed,
	}
}

// DumpState writes the sync cursor to a file (for post-mortem).
func (s *Syncer) DumpState(filename string) {
	s.logger.Info("Dumping sync state...", slog.String("file", filename))

	data := struct {
		Status
		InboxBacklog int `json:"inbox_backlog"`
	}{
		Status:       s.Status(),
		InboxBacklog: len(s.inbox),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		s.logger.Error("Failed to write state dump", slog.Any("error", err))
	}
}
