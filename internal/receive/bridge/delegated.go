package bridge

import (
	stderrors "errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/peerdecode/internal/config"
	"github.com/zsiec/peerdecode/internal/logger"
	"github.com/zsiec/peerdecode/internal/metrics"
	"github.com/zsiec/peerdecode/internal/queue"
	"github.com/zsiec/peerdecode/internal/receive/codec"
	"github.com/zsiec/peerdecode/internal/receive/sequencer"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

const workerComponent = "delegated_worker"

// message is the only thing that crosses into the worker. Exactly one of
// sink and data is set: the first message carries the sink, every later
// one a raw packet.
type message struct {
	sink codec.Sink
	data []byte
}

// Delegated hands raw packets to a dedicated worker goroutine that owns
// the stream's sequencer. Decode only enqueues and never waits for the
// frame to be processed.
type Delegated struct {
	id      string
	cfg     Config
	mailbox *queue.Mailbox[message]
	log     *logger.SampledLogger
	label   string

	latest atomic.Pointer[sequencer.Snapshot]
	closed atomic.Bool
	done   chan struct{}
}

// NewDelegated starts a worker for cfg.Stream and transfers sink to it.
// mailboxSize bounds the number of pending data messages.
func NewDelegated(cfg Config, sink codec.Sink, mailboxSize int) (*Delegated, error) {
	if sink == nil {
		sink = codec.DiscardSink{}
	}

	id := uuid.New().String()
	d := &Delegated{
		id:      id,
		cfg:     cfg,
		mailbox: queue.NewMailbox[message](mailboxSize),
		label:   cfg.Stream.MediaKind.String(),
		done:    make(chan struct{}),
		log: cfg.logger().Derive(map[string]interface{}{
			"component":  workerComponent,
			"worker_id":  id,
			"peer_id":    cfg.Stream.PeerID,
			"media_kind": cfg.Stream.MediaKind.String(),
		}),
	}

	d.latest.Store(&sequencer.Snapshot{
		Stream:       cfg.Stream,
		BlockedOnKey: true,
		DecoderState: types.DecoderUnconfigured.String(),
	})

	if err := d.mailbox.PushForce(message{sink: sink}); err != nil {
		return nil, fmt.Errorf("failed to send worker setup: %w", err)
	}

	metrics.IncrementGoroutineCreated(workerComponent)
	go d.run()

	return d, nil
}

// ID returns the worker's identifier
func (d *Delegated) ID() string {
	return d.id
}

func (d *Delegated) Decode(raw []byte) (types.DecodeStatus, error) {
	if d.closed.Load() {
		return types.DecodeStatus{}, ErrBridgeClosed
	}

	data := make([]byte, len(raw))
	copy(data, raw)

	if err := d.mailbox.Push(message{data: data}); err != nil {
		if stderrors.Is(err, queue.ErrQueueClosed) {
			return types.DecodeStatus{}, ErrBridgeClosed
		}
		metrics.IncFramesDropped(d.label, metrics.DropMailboxFull)
		d.log.Sample(logrus.WarnLevel, logger.CategoryMailboxFull,
			"Worker mailbox full, dropping packet", map[string]interface{}{
				"pending": d.mailbox.Len(),
				"dropped": d.mailbox.Dropped(),
			})
	}

	return d.status(), nil
}

func (d *Delegated) status() types.DecodeStatus {
	return types.DecodeStatus{Rendered: true, BlockedOnKey: d.latest.Load().BlockedOnKey}
}

func (d *Delegated) run() {
	defer close(d.done)
	defer metrics.IncrementGoroutineDestroyed(workerComponent)

	setup, err := d.mailbox.Pop()
	if err != nil {
		return
	}

	seq, adapter, err := build(d.cfg, setup.sink)
	if err != nil {
		d.log.WithError(err).Error("Worker setup failed")
		return
	}
	defer adapter.Close()
	d.publish(seq)

	d.log.Debug("Decode worker started")

	for {
		msg, err := d.mailbox.Pop()
		if err != nil {
			d.log.Debug("Decode worker stopped")
			return
		}
		if msg.data == nil {
			continue
		}

		f, err := parse(d.cfg.Stream, msg.data)
		if err != nil {
			d.log.WithError(err).Warn("Worker received malformed packet")
			continue
		}
		seq.Decode(f)
		d.publish(seq)
	}
}

func (d *Delegated) publish(seq *sequencer.Sequencer) {
	snap := seq.Snapshot()
	d.latest.Store(&snap)
}

func (d *Delegated) Snapshot() sequencer.Snapshot {
	return *d.latest.Load()
}

// Pending returns the number of queued data messages
func (d *Delegated) Pending() int {
	return d.mailbox.Len()
}

func (d *Delegated) Strategy() string {
	return config.StrategyDelegated
}

// Close tears down the worker. Queued packets are discarded, not drained.
func (d *Delegated) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n := d.mailbox.Close(); n > 0 {
		d.log.WithField("discarded", n).Debug("Discarded pending packets")
	}
	<-d.done
	return nil
}
