package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/peerdecode/internal/config"
	"github.com/zsiec/peerdecode/internal/logger"
	"github.com/zsiec/peerdecode/internal/metrics"
	"github.com/zsiec/peerdecode/internal/receive/types"
)

// ALPN is the application protocol ingest clients must negotiate
const ALPN = "peerdecode-media"

const (
	connQueueSize = 256

	codeNoError      quic.ApplicationErrorCode = 0
	codeRefused      quic.ApplicationErrorCode = 1
	codePacketTooBig quic.StreamErrorCode      = 1
)

// LoadTLSConfig loads the listener certificate and key
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
	}, nil
}

// QUICListener accepts QUIC connections whose unidirectional streams carry
// length-prefixed media packets. All streams of a connection are funnelled
// into one dispatch goroutine. When a connection ends, every peer seen on
// it is removed from the dispatcher.
type QUICListener struct {
	cfg        config.QUICConfig
	tlsConfig  *tls.Config
	dispatcher Dispatcher
	limiter    *ConnectionLimiter
	logger     logger.Logger

	ln *quic.Listener
	wg sync.WaitGroup
}

// NewQUICListener creates a listener. Listen must be called before Serve.
func NewQUICListener(cfg config.QUICConfig, tlsConfig *tls.Config, d Dispatcher, log logger.Logger) *QUICListener {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &QUICListener{
		cfg:        cfg,
		tlsConfig:  tlsConfig,
		dispatcher: d,
		limiter:    NewConnectionLimiter(cfg.MaxConnectionsPerHost, cfg.MaxConnections),
		logger:     log.WithField("component", "quic_listener"),
	}
}

// Listen binds the UDP socket
func (l *QUICListener) Listen() error {
	tlsConf := l.tlsConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}

	ln, err := quic.ListenAddr(l.cfg.ListenAddr, tlsConf, &quic.Config{
		MaxIdleTimeout:        l.cfg.MaxIdleTimeout,
		MaxIncomingStreams:    -1,
		MaxIncomingUniStreams: l.cfg.MaxIncomingUniStreams,
	})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.cfg.ListenAddr, err)
	}
	l.ln = ln

	l.logger.WithField("address", ln.Addr().String()).Info("QUIC listener started")
	return nil
}

// Addr returns the bound address
func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes every
// connection and waits for their handlers.
func (l *QUICListener) Serve(ctx context.Context) error {
	defer l.wg.Wait()
	defer l.ln.Close()

	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("QUIC listener stopped")
				return nil
			}
			return fmt.Errorf("failed to accept QUIC connection: %w", err)
		}

		host := hostOf(conn.RemoteAddr())
		if ok, reason := l.limiter.TryAcquire(host); !ok {
			metrics.IncConnectionsRejected("quic", reason)
			l.logger.WithFields(map[string]interface{}{
				"remote_addr": conn.RemoteAddr().String(),
				"limit":       reason,
			}).Warn("QUIC connection refused")
			conn.CloseWithError(codeRefused, "connection limit reached")
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.limiter.Release(host)
			l.handleConn(ctx, conn)
		}()
	}
}

func (l *QUICListener) handleConn(ctx context.Context, conn quic.Connection) {
	metrics.IncrementGoroutineCreated("quic_conn")
	defer metrics.IncrementGoroutineDestroyed("quic_conn")

	log := l.logger.WithField("remote_addr", conn.RemoteAddr().String())
	log.Debug("QUIC connection accepted")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		conn.CloseWithError(codeNoError, "")
	})
	defer stop()

	packets := make(chan []byte, connQueueSize)

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			str, err := conn.AcceptUniStream(ctx)
			if err != nil {
				cancel()
				return
			}
			readers.Add(1)
			go func() {
				defer readers.Done()
				l.readStream(ctx, str, packets, log)
			}()
		}
	}()
	go func() {
		readers.Wait()
		close(packets)
	}()

	peers := make(map[string]struct{})
	for raw := range packets {
		if id, err := types.SenderID(raw); err == nil && id != "" {
			peers[id] = struct{}{}
		}
		if _, err := l.dispatcher.Dispatch(raw); err != nil {
			log.WithError(err).Debug("Dropped media packet")
		}
	}

	for peer := range peers {
		n := l.dispatcher.RemovePeer(peer)
		log.WithFields(map[string]interface{}{
			"peer_id": peer,
			"streams": n,
		}).Debug("Peer disconnected")
	}
}

func (l *QUICListener) readStream(ctx context.Context, str quic.ReceiveStream, out chan<- []byte, log logger.Logger) {
	for {
		raw, err := readPacket(str, l.cfg.MaxPacketSize)
		if err != nil {
			var sizeErr errPacketSize
			switch {
			case errors.As(err, &sizeErr):
				metrics.IncParseErrors("quic")
				log.WithError(err).WithField("stream_id", int64(str.StreamID())).Warn("Closing QUIC stream")
				str.CancelRead(codePacketTooBig)
			case !errors.Is(err, io.EOF) && ctx.Err() == nil:
				log.WithError(err).Debug("QUIC stream read failed")
			}
			return
		}

		select {
		case out <- raw:
		case <-ctx.Done():
			return
		}
	}
}
