package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/zsiec/peerdecode/internal/config"
	"github.com/zsiec/peerdecode/internal/logger"
	"github.com/zsiec/peerdecode/internal/metrics"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

const (
	maxDatagramSize = 65535

	categoryRTPParse    = "rtp_parse"
	categoryRTPDispatch = "rtp_dispatch"
)

type sourceKey struct {
	addr string
	ssrc uint32
}

// rtpSource is one sender SSRC at one remote address
type rtpSource struct {
	addr     *net.UDPAddr
	ssrc     uint32
	peerID   string
	lastSeen time.Time
	pli      *rate.Limiter
}

// RTPListener receives RTP over UDP. The payload of each RTP packet is one
// media packet. RTCP is multiplexed on the same port: a BYE removes the
// sender, and a stream blocked on a key frame makes the listener send a
// Picture Loss Indication to its source, at most once per
// KeyframeRequestInterval. Sources silent for SessionTimeout are removed.
type RTPListener struct {
	cfg        config.RTPConfig
	dispatcher Dispatcher
	logger     logger.Logger
	sampled    *logger.SampledLogger
	ssrc       uint32
	sweep      time.Duration

	conn *net.UDPConn

	mu        sync.Mutex
	sources   map[sourceKey]*rtpSource
	lastSweep time.Time
}

// NewRTPListener creates a listener. Listen must be called before Serve.
func NewRTPListener(cfg config.RTPConfig, d Dispatcher, log logger.Logger) *RTPListener {
	if log == nil {
		log = logger.NewNullLogger()
	}
	log = log.WithField("component", "rtp_listener")

	sweep := cfg.SessionTimeout / 2
	if sweep <= 0 || sweep > time.Second {
		sweep = time.Second
	}
	if sweep < 10*time.Millisecond {
		sweep = 10 * time.Millisecond
	}

	sampled := logger.NewSampledLogger(log).
		WithSampler(categoryRTPParse, 1, 5).
		WithSampler(categoryRTPDispatch, 1, 5)

	return &RTPListener{
		cfg:        cfg,
		dispatcher: d,
		logger:     log,
		sampled:    sampled,
		ssrc:       uuid.New().ID(),
		sweep:      sweep,
		sources:    make(map[sourceKey]*rtpSource),
	}
}

// Listen binds the UDP socket
func (l *RTPListener) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", l.cfg.ListenAddr, l.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to resolve RTP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on RTP port: %w", err)
	}
	if l.cfg.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(l.cfg.ReadBufferSize); err != nil {
			l.logger.WithError(err).Warn("Failed to set RTP read buffer size")
		}
	}
	l.conn = conn

	l.logger.WithField("address", conn.LocalAddr().String()).Info("RTP listener started")
	return nil
}

// Addr returns the bound address
func (l *RTPListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Serve reads packets until ctx is cancelled. It removes every known
// peer on return.
func (l *RTPListener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.conn.Close() })
	defer stop()
	defer l.conn.Close()
	defer l.removeAll()

	buf := make([]byte, maxDatagramSize)
	for {
		if err := l.conn.SetReadDeadline(time.Now().Add(l.sweep)); err != nil && ctx.Err() == nil {
			l.logger.WithError(err).Debug("Failed to set read deadline")
		}

		n, addr, err := l.conn.ReadFromUDP(buf)
		now := time.Now()
		if err != nil {
			var netErr net.Error
			switch {
			case ctx.Err() != nil || errors.Is(err, net.ErrClosed):
				l.logger.Info("RTP listener stopped")
				return nil
			case errors.As(err, &netErr) && netErr.Timeout():
			default:
				l.logger.WithError(err).Error("Failed to read RTP packet")
			}
		} else {
			l.handleDatagram(buf[:n], addr, now)
		}

		if now.Sub(l.lastSweep) >= l.sweep {
			l.expire(now)
		}
	}
}

// Sources returns the number of tracked RTP sources
func (l *RTPListener) Sources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}

func (l *RTPListener) handleDatagram(data []byte, addr *net.UDPAddr, now time.Time) {
	if isRTCP(data) {
		l.handleRTCP(data, addr)
		return
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		metrics.IncParseErrors("rtp")
		l.sampled.Sample(logrus.DebugLevel, categoryRTPParse, "Failed to parse RTP packet",
			map[string]interface{}{"error": err.Error(), "remote_addr": addr.String()})
		return
	}
	if len(pkt.Payload) == 0 {
		return
	}

	status, err := l.dispatcher.Dispatch(pkt.Payload)
	if err != nil {
		l.sampled.Sample(logrus.DebugLevel, categoryRTPDispatch, "Dropped media packet",
			map[string]interface{}{"error": err.Error(), "ssrc": pkt.SSRC})
		return
	}

	src := l.track(addr, pkt.SSRC, pkt.Payload, now)
	if status.BlockedOnKey {
		l.requestKeyframe(src)
	}
}

func (l *RTPListener) track(addr *net.UDPAddr, ssrc uint32, payload []byte, now time.Time) *rtpSource {
	key := sourceKey{addr: addr.String(), ssrc: ssrc}

	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.sources[key]
	if !ok {
		peerID, _ := types.SenderID(payload)
		limit := rate.Inf
		if l.cfg.KeyframeRequestInterval > 0 {
			limit = rate.Every(l.cfg.KeyframeRequestInterval)
		}
		src = &rtpSource{
			addr:   addr,
			ssrc:   ssrc,
			peerID: peerID,
			pli:    rate.NewLimiter(limit, 1),
		}
		l.sources[key] = src

		l.logger.WithFields(map[string]interface{}{
			"remote_addr": key.addr,
			"ssrc":        ssrc,
			"peer_id":     peerID,
		}).Info("New RTP source")
	}
	src.lastSeen = now
	return src
}

func (l *RTPListener) requestKeyframe(src *rtpSource) {
	if !src.pli.Allow() {
		return
	}

	raw, err := rtcp.Marshal([]rtcp.Packet{&rtcp.PictureLossIndication{
		SenderSSRC: l.ssrc,
		MediaSSRC:  src.ssrc,
	}})
	if err != nil {
		l.logger.WithError(err).Error("Failed to marshal PLI")
		return
	}

	if _, err := l.conn.WriteToUDP(raw, src.addr); err != nil {
		l.logger.WithError(err).WithField("remote_addr", src.addr.String()).Warn("Failed to send PLI")
		return
	}
	metrics.IncKeyframeRequests("rtp")
}

func (l *RTPListener) handleRTCP(data []byte, addr *net.UDPAddr) {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		metrics.IncParseErrors("rtp")
		l.logger.WithError(err).Debug("Failed to parse RTCP packet")
		return
	}

	for _, p := range pkts {
		bye, ok := p.(*rtcp.Goodbye)
		if !ok {
			continue
		}
		for _, ssrc := range bye.Sources {
			l.remove(sourceKey{addr: addr.String(), ssrc: ssrc}, "bye")
		}
	}
}

func (l *RTPListener) expire(now time.Time) {
	l.mu.Lock()
	l.lastSweep = now
	var idle []sourceKey
	for key, src := range l.sources {
		if now.Sub(src.lastSeen) > l.cfg.SessionTimeout {
			idle = append(idle, key)
		}
	}
	l.mu.Unlock()

	for _, key := range idle {
		l.remove(key, "timeout")
	}
}

// remove forgets a source and removes its peer once no other source
// carries it.
func (l *RTPListener) remove(key sourceKey, reason string) {
	l.mu.Lock()
	src, ok := l.sources[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.sources, key)

	lastOfPeer := src.peerID != ""
	for _, other := range l.sources {
		if other.peerID == src.peerID {
			lastOfPeer = false
			break
		}
	}
	l.mu.Unlock()

	l.logger.WithFields(map[string]interface{}{
		"remote_addr": key.addr,
		"ssrc":        key.ssrc,
		"reason":      reason,
	}).Info("RTP source removed")

	if lastOfPeer {
		l.dispatcher.RemovePeer(src.peerID)
	}
}

func (l *RTPListener) removeAll() {
	l.mu.Lock()
	keys := make([]sourceKey, 0, len(l.sources))
	for key := range l.sources {
		keys = append(keys, key)
	}
	l.mu.Unlock()

	for _, key := range keys {
		l.remove(key, "shutdown")
	}
}

// isRTCP reports whether a datagram on a muxed port is RTCP (RFC 5761)
func isRTCP(data []byte) bool {
	return len(data) >= 2 && data[1] >= 192 && data[1] <= 223
}
