// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package agent

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

const laneQueueSize = 64

type workItem struct {
	fn     func(context.Context) error
	ctx    context.Context
	result chan<- error
}

// Lane serialises turns for a single conversation. Work submitted via
// Submit runs one item at a time in FIFO order on a background goroutine,
// so two turns never interleave their appends to the same history.
type Lane struct {
	conversationID string
	logger         *slog.Logger
	queue          chan workItem
	done           chan struct{}
	closing        chan struct{}

	once sync.Once
}

// NewLane starts a lane for conversationID. Call Close when it is no
// longer needed.
func NewLane(conversationID string, logger *slog.Logger) *Lane {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lane{
		conversationID: conversationID,
		logger:         logger,
		queue:          make(chan workItem, laneQueueSize),
		done:           make(chan struct{}),
		closing:        make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Lane) run() {
	defer close(l.done)
	for {
		select {
		case w := <-l.queue:
			l.execute(w)
		case <-l.closing:
			for {
				select {
				case w := <-l.queue:
					l.execute(w)
				default:
					return
				}
			}
		}
	}
}

func (l *Lane) execute(w workItem) {
	if err := w.ctx.Err(); err != nil {
		w.result <- err
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("lane worker panic recovered",
					"conversation_id", l.conversationID,
					"panic", r,
					"stack", string(debug.Stack()))
				err = bernerr.Errorf(bernerr.CodeAgentLoopFailure, "worker panic: %v", r)
			}
		}()
		err = w.fn(w.ctx)
	}()

	w.result <- err
}

// Submit enqueues fn and blocks until it completes. If ctx ends before fn
// starts, fn is skipped and ctx.Err() is returned.
func (l *Lane) Submit(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-l.closing:
		return l.closedErr()
	default:
	}

	result := make(chan error, 1)
	w := workItem{fn: fn, ctx: ctx, result: result}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closing:
		return l.closedErr()
	case l.queue <- w:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	}
}

func (l *Lane) closedErr() error {
	return bernerr.New(bernerr.CodeAgentLaneClosed, "lane is closed",
		bernerr.FieldConversationID(l.conversationID))
}

// Close stops accepting work and waits for queued items to finish. It is
// idempotent.
func (l *Lane) Close() {
	l.once.Do(func() {
		close(l.closing)
		<-l.done
	})
}

// DefaultLaneIdleTimeout is how long a lane may sit unused before the pool
// closes it.
const DefaultLaneIdleTimeout = 5 * time.Minute

type pooledLane struct {
	lane     *Lane
	active   int
	lastUsed time.Time
}

// LanePool hands out one Lane per conversation id. Lanes unused for the
// idle timeout are closed by a background sweep; a lane with work queued or
// running is never evicted.
type LanePool struct {
	mu      sync.Mutex
	lanes   map[string]*pooledLane
	idle    time.Duration
	nowFunc func() time.Time
	closed  bool
	logger  *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLanePool starts a pool whose lanes expire after idleTimeout without
// use. A non-positive timeout uses DefaultLaneIdleTimeout.
func NewLanePool(logger *slog.Logger, idleTimeout time.Duration) *LanePool {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultLaneIdleTimeout
	}
	p := &LanePool{
		lanes:   make(map[string]*pooledLane),
		idle:    idleTimeout,
		nowFunc: time.Now,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Submit runs fn in the lane of conversationID, creating the lane on first
// use, and blocks like Lane.Submit.
func (p *LanePool) Submit(ctx context.Context, conversationID string, fn func(context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return bernerr.New(bernerr.CodeAgentLaneClosed, "lane pool is closed",
			bernerr.FieldConversationID(conversationID))
	}
	pl, ok := p.lanes[conversationID]
	if !ok {
		pl = &pooledLane{lane: NewLane(conversationID, p.logger)}
		p.lanes[conversationID] = pl
	}
	pl.active++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		pl.active--
		pl.lastUsed = p.nowFunc()
		p.mu.Unlock()
	}()
	return pl.lane.Submit(ctx, fn)
}

// EvictIdle closes the lanes unused for longer than the idle timeout and
// returns how many it closed.
func (p *LanePool) EvictIdle() int {
	p.mu.Lock()
	now := p.nowFunc()
	var expired []*Lane
	for id, pl := range p.lanes {
		if pl.active == 0 && now.Sub(pl.lastUsed) >= p.idle {
			expired = append(expired, pl.lane)
			delete(p.lanes, id)
		}
	}
	remaining := len(p.lanes)
	p.mu.Unlock()

	for _, l := range expired {
		l.Close()
	}
	if len(expired) > 0 {
		p.logger.Debug("closed idle conversation lanes", "closed", len(expired), "remaining", remaining)
	}
	return len(expired)
}

func (p *LanePool) sweepLoop() {
	ticker := time.NewTicker(max(p.idle/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.EvictIdle()
		case <-p.stop:
			return
		}
	}
}

// SetNowFunc overrides the time source (for testing).
func (p *LanePool) SetNowFunc(fn func() time.Time) {
	p.mu.Lock()
	p.nowFunc = fn
	p.mu.Unlock()
}

// Len reports the number of open lanes.
func (p *LanePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// Close stops the sweep and shuts down every lane in the pool. Later
// submissions fail with a lane-closed error.
func (p *LanePool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	p.closed = true
	lanes := p.lanes
	p.lanes = make(map[string]*pooledLane)
	p.mu.Unlock()

	for _, pl := range lanes {
		pl.lane.Close()
	}
}
