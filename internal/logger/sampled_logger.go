package logger

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Log categories for per-frame events on the decode path. Each one can fire
// for every packet of a stream, so they are rate limited independently.
const (
	CategoryDecoderUnconfigured = "decoder_unconfigured"
	CategoryDecodeRejected      = "decode_rejected"
	CategorySinkUnavailable     = "sink_unavailable"
	CategoryMailboxFull         = "mailbox_full"
	CategoryFrameDropped        = "frame_dropped"
)

// SampledLogger rate-limits log output per category. Categories without a
// limiter are always logged.
type SampledLogger struct {
	base     Logger
	samplers *samplerSet
}

type samplerSet struct {
	mu       sync.RWMutex
	limiters map[string]*categorySampler
}

type categorySampler struct {
	limiter    *rate.Limiter
	allowed    atomic.Int64
	suppressed atomic.Int64
}

// SamplerStats holds statistics for a log category
type SamplerStats struct {
	Name       string `json:"name"`
	Allowed    int64  `json:"allowed"`
	Suppressed int64  `json:"suppressed"`
}

// NewSampledLogger creates a new sampled logger
func NewSampledLogger(base Logger) *SampledLogger {
	return &SampledLogger{
		base:     base,
		samplers: &samplerSet{limiters: make(map[string]*categorySampler)},
	}
}

// NewDecodeLogger returns a sampled logger configured for the decode path:
// a short burst per category, then a steady trickle.
func NewDecodeLogger(base Logger) *SampledLogger {
	return NewSampledLogger(base).
		WithSampler(CategoryDecoderUnconfigured, 1, 3).
		WithSampler(CategoryDecodeRejected, 2, 5).
		WithSampler(CategorySinkUnavailable, 1, 3).
		WithSampler(CategoryMailboxFull, 1, 3).
		WithSampler(CategoryFrameDropped, 5, 10)
}

// WithSampler limits category to perSecond messages with the given burst.
func (s *SampledLogger) WithSampler(category string, perSecond float64, burst int) *SampledLogger {
	s.samplers.mu.Lock()
	defer s.samplers.mu.Unlock()
	s.samplers.limiters[category] = &categorySampler{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
	return s
}

func (s *SampledLogger) allow(category string) (bool, int64) {
	s.samplers.mu.RLock()
	sampler, ok := s.samplers.limiters[category]
	s.samplers.mu.RUnlock()
	if !ok {
		return true, 0
	}
	if !sampler.limiter.Allow() {
		sampler.suppressed.Add(1)
		return false, 0
	}
	sampler.allowed.Add(1)
	return true, sampler.suppressed.Load()
}

// Sample logs msg at level if the category's limiter allows it.
func (s *SampledLogger) Sample(level logrus.Level, category, msg string, fields map[string]interface{}) {
	ok, suppressed := s.allow(category)
	if !ok {
		return
	}
	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["category"] = category
	if suppressed > 0 {
		out["suppressed_total"] = suppressed
	}
	s.base.WithFields(out).Log(level, msg)
}

// Stats returns counters for every configured category.
func (s *SampledLogger) Stats() map[string]SamplerStats {
	s.samplers.mu.RLock()
	defer s.samplers.mu.RUnlock()

	stats := make(map[string]SamplerStats, len(s.samplers.limiters))
	for name, sampler := range s.samplers.limiters {
		stats[name] = SamplerStats{
			Name:       name,
			Allowed:    sampler.allowed.Load(),
			Suppressed: sampler.suppressed.Load(),
		}
	}
	return stats
}

// Derive returns a sampled logger carrying fields that shares s's limiters.
func (s *SampledLogger) Derive(fields map[string]interface{}) *SampledLogger {
	return &SampledLogger{base: s.base.WithFields(fields), samplers: s.samplers}
}

// Logger interface; derived loggers share the parent's limiters.

func (s *SampledLogger) WithFields(fields map[string]interface{}) Logger {
	return s.Derive(fields)
}

func (s *SampledLogger) WithField(key string, value interface{}) Logger {
	return &SampledLogger{base: s.base.WithField(key, value), samplers: s.samplers}
}

func (s *SampledLogger) WithError(err error) Logger {
	return &SampledLogger{base: s.base.WithError(err), samplers: s.samplers}
}

func (s *SampledLogger) Debug(args ...interface{})                   { s.base.Debug(args...) }
func (s *SampledLogger) Info(args ...interface{})                    { s.base.Info(args...) }
func (s *SampledLogger) Warn(args ...interface{})                    { s.base.Warn(args...) }
func (s *SampledLogger) Error(args ...interface{})                   { s.base.Error(args...) }
func (s *SampledLogger) Log(level logrus.Level, args ...interface{}) { s.base.Log(level, args...) }

func (s *SampledLogger) Debugf(format string, args ...interface{}) { s.base.Debugf(format, args...) }
func (s *SampledLogger) Infof(format string, args ...interface{})  { s.base.Infof(format, args...) }
func (s *SampledLogger) Warnf(format string, args ...interface{})  { s.base.Warnf(format, args...) }
func (s *SampledLogger) Errorf(format string, args ...interface{}) { s.base.Errorf(format, args...) }
