package spot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/metrics"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

var ErrSequencerStopped = errors.New("sequencer stopped")

// Journal durably records a mutating command before it executes.
type Journal interface {
	Append(rec any) error
}

type request struct {
	cmd   Command
	reply chan Reply
}

// Sequencer is the single writer of an Engine. Every command from every market
// goes through one channel and executes on the Run goroutine, in arrival order.
type Sequencer struct {
	log     *zap.SugaredLogger
	engine  *Engine
	journal Journal
	clock   util.Clock
	metrics *metrics.Metrics

	in   chan request
	done chan struct{}
	seq  uint64
}

// NewSequencer wires a sequencer with an inbound queue of the given capacity.
// A nil journal disables journaling.
func NewSequencer(log *zap.SugaredLogger, engine *Engine, journal Journal, clock util.Clock, m *metrics.Metrics, capacity int) *Sequencer {
	if capacity <= 0 {
		capacity = 1024
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Sequencer{
		log:     log,
		engine:  engine,
		journal: journal,
		clock:   clock,
		metrics: m,
		in:      make(chan request, capacity),
		done:    make(chan struct{}),
	}
}

// Resume continues sequence numbers after a replayed journal.
func (s *Sequencer) Resume(lastSeq uint64) { s.seq = lastSeq }

// Run executes commands until ctx is done. It must be called once.
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.done)
	s.log.Infow("sequencer_started", "queue_capacity", cap(s.in), "next_seq", s.seq+1)
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("sequencer_stopped", "last_seq", s.seq)
			return nil
		case req := <-s.in:
			s.metrics.SetQueueDepth(len(s.in))
			req.reply <- s.execute(ctx, req.cmd)
		}
	}
}

func (s *Sequencer) execute(ctx context.Context, cmd Command) Reply {
	start := time.Now()
	defer func() { s.metrics.ObserveCommand(string(cmd.Type), time.Since(start)) }()

	s.seq++
	cmd.Seq = s.seq
	cmd.Timestamp = s.clock.Now().UnixMilli()
	if cmd.Type == CmdCreateOrder && cmd.CreateOrder != nil && cmd.CreateOrder.OrderID == "" {
		co := *cmd.CreateOrder
		co.OrderID = s.engine.NextOrderID()
		cmd.CreateOrder = &co
	}

	if cmd.Type.Mutating() && s.journal != nil {
		if err := s.journal.Append(cmd); err != nil {
			s.log.Errorw("journal_append_failed", "seq", cmd.Seq, "type", cmd.Type, "err", err)
			s.seq--
			rt := ReplyOrderRejected
			if cmd.Type == CmdOnRamp {
				rt = ReplyOnRampRejected
			}
			s.metrics.Reject(ReasonInternal)
			return Reply{Type: rt, Payload: Rejection{Reason: ReasonInternal, Message: err.Error()}}
		}
	}
	return s.engine.Process(ctx, cmd)
}

// Submit enqueues cmd and waits for its reply. ctx bounds only the wait: once a
// command is queued it executes even if the caller gives up.
func (s *Sequencer) Submit(ctx context.Context, cmd Command) (Reply, error) {
	req := request{cmd: cmd, reply: make(chan Reply, 1)}
	select {
	case s.in <- req:
	case <-s.done:
		return Reply{}, ErrSequencerStopped
	case <-ctx.Done():
		return Reply{}, fmt.Errorf("enqueue %s: %w", cmd.Type, ctx.Err())
	}
	select {
	case r := <-req.reply:
		return r, nil
	case <-s.done:
		return Reply{}, ErrSequencerStopped
	case <-ctx.Done():
		return Reply{}, fmt.Errorf("await %s: %w", cmd.Type, ctx.Err())
	}
}
