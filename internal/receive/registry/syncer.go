package registry

import (
	"context"
	"errors"
	"time"

	"github.com/zsiec/peerdecode/internal/logger"
	"github.com/zsiec/peerdecode/internal/receive"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

const (
	eventBuffer    = 256
	requestTimeout = 5 * time.Second
)

// Source is the stream manager as seen by the syncer
type Source interface {
	Subscribe(size int) (<-chan receive.Event, func())
	Streams() []receive.StreamInfo
}

// Syncer mirrors the streams of a Source into a Registry. Stream events
// register, update and remove records; a periodic heartbeat keeps live
// records from expiring, re-registers any that already have and corrects
// a status left stale by a dropped event.
type Syncer struct {
	registry Registry
	source   Source
	instance string
	interval time.Duration
	logger   logger.Logger

	registered map[string]Status // last status written per record
}

// NewSyncer creates a syncer. instance identifies this process in records.
func NewSyncer(reg Registry, src Source, instance string, interval time.Duration, log logger.Logger) *Syncer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Syncer{
		registry:   reg,
		source:     src,
		instance:   instance,
		interval:   interval,
		logger:     log.WithField("component", "registry_syncer"),
		registered: make(map[string]Status),
	}
}

// Run processes events until ctx is cancelled or the source closes its
// subscriptions. On return every record it registered is removed.
func (s *Syncer) Run(ctx context.Context) error {
	events, cancel := s.source.Subscribe(eventBuffer)
	defer cancel()
	defer s.unregisterAll()

	s.heartbeat(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

func (s *Syncer) handle(ctx context.Context, ev receive.Event) {
	id := RecordID(ev.Stream)

	var err error
	switch ev.Type {
	case receive.EventStreamStarted:
		err = s.register(ctx, ev.Stream, ev.Strategy, StatusActive)
	case receive.EventStreamStopped:
		err = s.unregister(ctx, id)
	case receive.EventKeyFrameRequired:
		err = s.updateStatus(ctx, id, StatusAwaitingKey)
	case receive.EventKeyFrameRecovered:
		err = s.updateStatus(ctx, id, StatusActive)
	default:
		return
	}

	if err != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"stream_id": id,
			"event":     string(ev.Type),
		}).Warn("Failed to sync stream event")
	}
}

// heartbeat refreshes every live stream of the source
func (s *Syncer) heartbeat(ctx context.Context) {
	for _, info := range s.source.Streams() {
		kind, err := types.ParseMediaKind(info.MediaKind)
		if err != nil {
			continue
		}
		key := types.StreamKey{PeerID: info.PeerID, MediaKind: kind}
		id := RecordID(key)

		status := StatusActive
		if info.State.BlockedOnKey {
			status = StatusAwaitingKey
		}

		synced, ok := s.registered[id]
		switch {
		case !ok:
			err = s.register(ctx, key, info.Strategy, status)
		default:
			if synced != status {
				err = s.updateStatus(ctx, id, status)
			} else {
				err = s.call(ctx, func(ctx context.Context) error {
					return s.registry.UpdateHeartbeat(ctx, id)
				})
			}
			if errors.Is(err, ErrStreamNotFound) {
				s.logger.WithField("stream_id", id).Info("Stream record expired, re-registering")
				err = s.register(ctx, key, info.Strategy, status)
			}
		}
		if err != nil {
			s.logger.WithError(err).WithField("stream_id", id).Warn("Failed to refresh stream record")
		}
	}
}

func (s *Syncer) register(ctx context.Context, key types.StreamKey, strategy string, status Status) error {
	rec := &Record{
		ID:        RecordID(key),
		PeerID:    key.PeerID,
		MediaKind: key.MediaKind.String(),
		Strategy:  strategy,
		Status:    status,
		Instance:  s.instance,
	}
	err := s.call(ctx, func(ctx context.Context) error {
		return s.registry.Register(ctx, rec)
	})
	if err == nil {
		s.registered[rec.ID] = status
	}
	return err
}

func (s *Syncer) unregister(ctx context.Context, id string) error {
	delete(s.registered, id)
	err := s.call(ctx, func(ctx context.Context) error {
		return s.registry.Unregister(ctx, id)
	})
	if errors.Is(err, ErrStreamNotFound) {
		return nil
	}
	return err
}

func (s *Syncer) updateStatus(ctx context.Context, id string, status Status) error {
	err := s.call(ctx, func(ctx context.Context) error {
		return s.registry.UpdateStatus(ctx, id, status)
	})
	if _, ok := s.registered[id]; ok && err == nil {
		s.registered[id] = status
	}
	return err
}

func (s *Syncer) unregisterAll() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	for id := range s.registered {
		if err := s.unregister(ctx, id); err != nil {
			s.logger.WithError(err).WithField("stream_id", id).Warn("Failed to unregister stream")
		}
	}
}

func (s *Syncer) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return fn(ctx)
}
