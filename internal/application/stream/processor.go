// Package stream consumes the store's change stream and keeps the
// denormalized copies (comment mirrors, feed replicas, reaction records,
// counter copies) converging on their canonical documents.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/go-social-nosql/internal/domain"
	"github.com/go-social-nosql/internal/opctx"
	"github.com/go-social-nosql/internal/store"
	"github.com/go-social-nosql/internal/uow"
)

var tracer = otel.Tracer("github.com/go-social-nosql/internal/application/stream")

// Config tunes the processor. Zero values fall back to defaults.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	RangeRefresh time.Duration // how often the range list is re-read
	RetryDelay   time.Duration
	Parallelism  int
	FanOutRate   float64 // replica writes per second; 0 disables pacing
	FeedTTL      time.Duration
	TombstoneTTL time.Duration
	UnlikeTTL    time.Duration

	// OnError, when set, receives every per-change failure after it is logged.
	OnError func(error)
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RangeRefresh <= 0 {
		c.RangeRefresh = time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 8
	}
	if c.FeedTTL <= 0 {
		c.FeedTTL = 30 * 24 * time.Hour
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = 24 * time.Hour
	}
	if c.UnlikeTTL <= 0 {
		c.UnlikeTTL = time.Hour
	}
}

type handler func(ctx context.Context, key store.Key) error

// closedCheckpointTTL keeps the checkpoint of a drained range around for
// longer than the stream retains the range itself.
const closedCheckpointTTL = 48 * time.Hour

// Processor runs one worker per change-stream range.
type Processor struct {
	store    store.Store
	feed     store.ChangeFeed
	cfg      Config
	limiter  *rate.Limiter
	handlers map[store.Kind]handler
}

func NewProcessor(s store.Store, feed store.ChangeFeed, cfg Config) *Processor {
	cfg.defaults()
	p := &Processor{store: s, feed: feed, cfg: cfg}
	if cfg.FanOutRate > 0 {
		burst := int(cfg.FanOutRate)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.FanOutRate), burst)
	}
	p.handlers = map[store.Kind]handler{
		domain.KindConversation:   p.onConversation,
		domain.KindCounters:       p.onCounters,
		domain.KindCommentMirror:  p.onCommentMirror,
		domain.KindReactionMarker: p.onReactionMarker,
	}
	return p
}

// Run processes every range until ctx is cancelled. The range list is read
// again every RangeRefresh and whenever a range is drained, so ranges that
// appear later get a worker too. A child range starts only once its parent
// is drained. Worker errors are logged and retried after RetryDelay; Run
// never returns early on failure.
func (p *Processor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	drainedCh := make(chan string)
	running := make(map[string]bool)
	drained := make(map[string]bool)
	for {
		wait := p.cfg.RangeRefresh
		ranges, err := p.feed.Ranges(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			slog.Error("stream: list ranges failed", "err", err)
			wait = p.cfg.RetryDelay
		default:
			for _, r := range runnable(ranges, running, drained) {
				running[r.ID] = true
				slog.Info("stream: range started", "range", r.ID, "parent", r.Parent)
				wg.Add(1)
				go func(rangeID string) {
					defer wg.Done()
					if !p.worker(ctx, rangeID) {
						return
					}
					select {
					case drainedCh <- rangeID:
					case <-ctx.Done():
					}
				}(r.ID)
			}
			forgetUnlisted(drained, ranges)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case id := <-drainedCh:
			t.Stop()
			delete(running, id)
			drained[id] = true
			slog.Info("stream: range drained", "range", id)
		case <-t.C:
		}
	}
}

// runnable returns the listed ranges that are neither running nor drained
// and whose parent is drained or no longer listed.
func runnable(ranges []store.Range, running, drained map[string]bool) []store.Range {
	listed := make(map[string]bool, len(ranges))
	for _, r := range ranges {
		listed[r.ID] = true
	}
	var out []store.Range
	for _, r := range ranges {
		if running[r.ID] || drained[r.ID] {
			continue
		}
		if r.Parent != "" && listed[r.Parent] && !drained[r.Parent] {
			continue
		}
		out = append(out, r)
	}
	return out
}

func forgetUnlisted(drained map[string]bool, ranges []store.Range) {
	listed := make(map[string]bool, len(ranges))
	for _, r := range ranges {
		listed[r.ID] = true
	}
	for id := range drained {
		if !listed[id] {
			delete(drained, id)
		}
	}
}

// worker processes one range and reports whether it was drained. It returns
// false only when ctx is cancelled.
func (p *Processor) worker(ctx context.Context, rangeID string) bool {
	var cp checkpoint
	for {
		c, err := p.loadCheckpoint(ctx, rangeID)
		if err == nil {
			cp = c
			break
		}
		slog.Error("stream: load checkpoint failed", "range", rangeID, "err", err)
		if !sleep(ctx, p.cfg.RetryDelay) {
			return false
		}
	}
	if cp.closed {
		return true
	}
	cursor := cp.cursor
	for {
		next, n, closed, err := p.step(ctx, rangeID, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			slog.Error("stream: read range failed", "range", rangeID, "err", err)
			if !sleep(ctx, p.cfg.RetryDelay) {
				return false
			}
			continue
		}
		if closed {
			return true
		}
		cursor = next
		if n == 0 && !sleep(ctx, p.cfg.PollInterval) {
			return false
		}
	}
}

// CatchUp drains every range until a full round reads no changes, so cascades
// (a counter patch caused by a reaction, say) are processed too. Child ranges
// are read after their parents are drained.
func (p *Processor) CatchUp(ctx context.Context) error {
	ranges, err := p.feed.Ranges(ctx)
	if err != nil {
		return err
	}
	cursors := make(map[string]string, len(ranges))
	drained := make(map[string]bool)
	for _, r := range ranges {
		cp, err := p.loadCheckpoint(ctx, r.ID)
		if err != nil {
			return err
		}
		cursors[r.ID] = cp.cursor
		drained[r.ID] = cp.closed
	}
	for {
		progressed := false
		for _, r := range runnable(ranges, nil, drained) {
			for {
				next, n, closed, err := p.step(ctx, r.ID, cursors[r.ID])
				if err != nil {
					return err
				}
				cursors[r.ID] = next
				if n > 0 || closed {
					progressed = true
				}
				if closed {
					drained[r.ID] = true
					break
				}
				if n == 0 {
					break
				}
			}
		}
		if !progressed {
			return nil
		}
	}
}

// step reads and processes one batch. It returns the cursor to resume from,
// the number of changes read and whether the range is now drained.
func (p *Processor) step(ctx context.Context, rangeID, cursor string) (string, int, bool, error) {
	batch, err := p.feed.Read(ctx, rangeID, cursor, p.cfg.BatchSize)
	if err != nil {
		return cursor, 0, false, err
	}
	next := batch.Next
	if next == "" {
		next = cursor
	}
	if len(batch.Changes) > 0 {
		p.processBatch(ctx, batch.Changes)
	}
	// A batch holding only checkpoint writes is not worth another checkpoint
	// write, which would itself show up in the stream.
	if batch.Closed || significant(batch.Changes) {
		if err := p.saveCheckpoint(ctx, rangeID, next, batch.Closed); err != nil {
			if batch.Closed {
				return cursor, 0, false, fmt.Errorf("mark range %s drained: %w", rangeID, err)
			}
			slog.Warn("stream: save checkpoint failed", "range", rangeID, "err", err)
		}
	}
	return next, len(batch.Changes), batch.Closed, nil
}

// processBatch keeps per-partition order and runs partitions in parallel.
func (p *Processor) processBatch(ctx context.Context, changes []store.Change) {
	var order []string
	groups := make(map[string][]store.Change)
	for _, ch := range changes {
		if _, ok := groups[ch.Key.Partition]; !ok {
			order = append(order, ch.Key.Partition)
		}
		groups[ch.Key.Partition] = append(groups[ch.Key.Partition], ch)
	}

	sem := make(chan struct{}, p.cfg.Parallelism)
	var wg sync.WaitGroup
	for _, part := range order {
		sem <- struct{}{}
		wg.Add(1)
		go func(group []store.Change) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, ch := range group {
				p.process(ctx, ch)
			}
		}(groups[part])
	}
	wg.Wait()
}

// process runs the handler for one change in its own operation context.
// Failures are logged and reported, never returned.
func (p *Processor) process(ctx context.Context, ch store.Change) {
	if ch.Removed {
		return
	}
	h, ok := p.handlers[ch.Item.Kind()]
	if !ok {
		return
	}
	ictx, op := opctx.New(ctx)
	ictx, span := tracer.Start(ictx, "stream.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("store.kind", string(ch.Item.Kind())),
		attribute.String("store.key", ch.Key.String()),
	)

	err := h(ictx, ch.Key)
	if err == nil {
		return
	}
	var de *domain.Error
	if !errors.As(err, &de) {
		err = stageError("dispatch", ch.Key, err)
		errors.As(err, &de)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, de.Stage)
	slog.Warn("stream: change processing failed",
		"kind", ch.Item.Kind(), "key", ch.Key.String(), "stage", de.Stage, "cost", op.Cost(), "err", err)
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}

type checkpoint struct {
	cursor string
	closed bool
}

func (p *Processor) loadCheckpoint(ctx context.Context, rangeID string) (checkpoint, error) {
	var cp domain.StreamCheckpoint
	if err := store.GetInto(ctx, p.store, domain.CheckpointKey(rangeID), &cp); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return checkpoint{}, nil
		}
		return checkpoint{}, err
	}
	return checkpoint{cursor: cp.Cursor, closed: cp.Closed}, nil
}

func (p *Processor) saveCheckpoint(ctx context.Context, rangeID, cursor string, closed bool) error {
	k := domain.CheckpointKey(rangeID)
	now := opctx.Now(ctx)
	cp := &domain.StreamCheckpoint{
		Meta:      store.Meta{PK: k.Partition, ID: k.ID, Kind: domain.KindStreamCheckpoint},
		RangeID:   rangeID,
		Cursor:    cursor,
		Closed:    closed,
		UpdatedAt: now,
	}
	if closed {
		cp.TTL = now.Add(closedCheckpointTTL).Unix()
	}
	w := uow.New(p.store, k.Partition)
	w.Replace(cp, "")
	err := w.Commit(ctx)
	if uow.IsNotFound(err) {
		w = uow.New(p.store, k.Partition)
		w.Create(cp)
		err = w.Commit(ctx)
	}
	return err
}

func significant(changes []store.Change) bool {
	for _, ch := range changes {
		if ch.Key.Partition != domain.CheckpointPartition {
			return true
		}
	}
	return false
}

func stageError(stage string, key store.Key, err error) error {
	return &domain.Error{Code: domain.CodeStreamProcessing, Stage: stage, Key: key.String(), Cause: err}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
