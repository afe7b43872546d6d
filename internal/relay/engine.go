package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ewancrowle/sniporter/internal/clienthello"
	"github.com/ewancrowle/sniporter/internal/config"
	"github.com/ewancrowle/sniporter/internal/metrics"
	"github.com/ewancrowle/sniporter/internal/record"
	"github.com/ewancrowle/sniporter/internal/strategy"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("relay already started")

const maxAcceptDelay = time.Second

type Relay struct {
	listenAddr *net.TCPAddr
	manager    *strategy.StrategyManager
	cfg        *config.Config
	metrics    *metrics.Registry

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	conns    sync.WaitGroup
}

func NewRelay(cfg *config.Config, manager *strategy.StrategyManager, m *metrics.Registry) (*Relay, error) {
	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf(":%d", cfg.TCP.Port))
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.New()
	}

	return &Relay{
		listenAddr: addr,
		manager:    manager,
		cfg:        cfg,
		metrics:    m,
		ready:      make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is bound.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Addr returns the bound listener address, or nil before Ready.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Start accepts connections until ctx is cancelled. In-flight connections
// are closed on cancellation and Start returns once they have finished.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.listener != nil {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	ln, err := net.ListenTCP("tcp", r.listenAddr)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.listener = ln
	r.mu.Unlock()
	close(r.ready)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer r.conns.Wait()

	log.Printf("TCP Relay listening on %s", ln.Addr())

	var delay time.Duration
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay = nextAcceptDelay(delay)
			log.Printf("Error accepting TCP connection: %v; retrying in %v", err, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0

		r.conns.Add(1)
		go func() {
			defer r.conns.Done()
			r.handleConn(ctx, conn)
		}()
	}
}

func (r *Relay) handleConn(ctx context.Context, conn *net.TCPConn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r.metrics.ActiveConnections.Inc()
	defer r.metrics.ActiveConnections.Dec()

	srcStr := conn.RemoteAddr().String()

	if t := r.cfg.TCP.HandshakeTimeout; t > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t))
	}
	start := time.Now()
	pre := newPrelude(conn, r.cfg.TCP.MaxPreludeBytes)
	sni, err := clienthello.ReadServerName(record.NewReader(pre))
	r.metrics.HandshakeSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		kind := ErrorKind(err)
		r.metrics.SNIErrors.WithLabelValues(kind).Inc()
		r.metrics.Connections.WithLabelValues("rejected").Inc()
		if r.cfg.TCP.LogRequests {
			log.Printf("Relay: %s -> unknown (failed to extract SNI: %v, kind: %s)", srcStr, err, kind)
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	sni = strategy.Normalize(sni)
	target, err := r.resolveTarget(ctx, sni)
	if err != nil {
		r.metrics.Connections.WithLabelValues("no_route").Inc()
		if r.cfg.TCP.LogRequests {
			log.Printf("Relay: %s -> unknown (SNI: %s, error: %v)", srcStr, sni, err)
		}
		return
	}

	dialer := net.Dialer{Timeout: r.cfg.TCP.DialTimeout}
	backend, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		r.metrics.Connections.WithLabelValues("dial_failed").Inc()
		log.Printf("Error dialing target %s for SNI %s: %v", target, sni, err)
		return
	}
	defer backend.Close()
	stopBackend := context.AfterFunc(ctx, func() { backend.Close() })
	defer stopBackend()

	if _, err := backend.Write(pre.Bytes()); err != nil {
		r.metrics.Connections.WithLabelValues("dial_failed").Inc()
		log.Printf("Error writing to target %s: %v", target, err)
		return
	}
	r.metrics.RelayedBytes.WithLabelValues("upstream").Add(float64(len(pre.Bytes())))
	r.metrics.Connections.WithLabelValues("routed").Inc()

	if r.cfg.TCP.LogRequests {
		log.Printf("Relay: %s -> %s (SNI: %s, prelude: %d bytes)", srcStr, target, sni, len(pre.Bytes()))
	}

	r.pipe(conn, backend)
}

// nextAcceptDelay backs off from 5ms, doubling up to maxAcceptDelay.
func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > maxAcceptDelay {
		return maxAcceptDelay
	}
	return d
}

func (r *Relay) resolveTarget(ctx context.Context, sni string) (string, error) {
	target, err := r.manager.Resolve(ctx, sni)
	if err == nil {
		return target, nil
	}
	if r.cfg.DefaultTarget != "" {
		return r.cfg.DefaultTarget, nil
	}
	return "", err
}

// ErrorKind labels a failure to read the server name from a client stream.
func ErrorKind(err error) string {
	var (
		netErr net.Error
		hdrErr *record.HeaderError
	)
	switch {
	case errors.Is(err, errPreludeLimit):
		return "prelude_limit"
	case errors.Is(err, record.ErrNotHandshake):
		return "not_tls"
	case errors.As(err, &hdrErr):
		return "bad_record"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	}
	return clienthello.Kind(err)
}
