package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ewancrowle/sniporter/internal/config"
	"github.com/ewancrowle/sniporter/internal/metrics"
	"github.com/ewancrowle/sniporter/internal/record"
	"github.com/ewancrowle/sniporter/internal/strategy"
	"github.com/ewancrowle/sniporter/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T, tune func(cfg *config.Config), routes ...strategy.Route) (*Relay, *metrics.Registry) {
	t.Helper()

	cfg := &config.Config{}
	cfg.TCP.Port = 0
	cfg.TCP.HandshakeTimeout = 2 * time.Second
	cfg.TCP.DialTimeout = time.Second
	cfg.TCP.MaxPreludeBytes = 64 * 1024
	if tune != nil {
		tune(cfg)
	}

	manager := strategy.NewStrategyManager()
	manager.Register(strategy.StrategySimple, strategy.NewSimpleStrategy())
	manager.Register(strategy.StrategyWildcard, strategy.NewWildcardStrategy())
	for _, route := range routes {
		require.NoError(t, manager.Apply(route))
	}

	m := metrics.New()
	r, err := NewRelay(cfg, manager, m)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	select {
	case <-r.Ready():
	case err := <-done:
		t.Fatalf("Relay failed to start: %v", err)
	}
	return r, m
}

// rawBackend accepts one connection, reads want bytes, replies and closes.
func rawBackend(t *testing.T, want int, reply []byte) (string, <-chan []byte) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(got)
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, want)
		n, _ := io.ReadFull(conn, buf)
		got <- buf[:n]
		_, _ = conn.Write(reply)
	}()
	return ln.Addr().String(), got
}

func tlsEchoBackend(t *testing.T, names ...string) string {
	t.Helper()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{testutil.SelfSignedCert(t, names...)},
	})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func dialRelay(t *testing.T, r *Relay) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := conn.Read(make([]byte, 1))
	assert.Zero(t, n)
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "relay did not close the connection")
	}
}

func TestRelayReplaysPrelude(t *testing.T) {
	hello := testutil.Record(record.ContentTypeHandshake, testutil.ClientHello("app.example.com"))
	sent := append(append([]byte{}, hello...), "ping"...)

	backendAddr, got := rawBackend(t, len(sent), []byte("pong"))
	r, m := startRelay(t, nil, strategy.Route{FQDN: "app.example.com", Type: strategy.StrategySimple, Target: backendAddr})

	conn := dialRelay(t, r)
	_, err := conn.Write(sent)
	require.NoError(t, err)

	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))
	assert.Equal(t, sent, <-got)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.Connections.WithLabelValues("routed")))
}

func TestRelayTLSPassthrough(t *testing.T) {
	backendAddr := tlsEchoBackend(t, "secure.example.com")
	r, m := startRelay(t, nil, strategy.Route{FQDN: "*.example.com", Type: strategy.StrategyWildcard, Target: backendAddr})

	conn, err := tls.Dial("tcp", r.Addr().String(), &tls.Config{
		ServerName:         "Secure.Example.com",
		InsecureSkipVerify: true,
	})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello through the relay"))
	require.NoError(t, err)
	buf := make([]byte, len("hello through the relay"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello through the relay", string(buf))

	assert.Equal(t, []string{"secure.example.com"}, conn.ConnectionState().PeerCertificates[0].DNSNames)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Connections.WithLabelValues("routed")))
}

func TestRelayDefaultTarget(t *testing.T) {
	hello := testutil.Record(record.ContentTypeHandshake, testutil.ClientHello("unrouted.example.net"))
	backendAddr, got := rawBackend(t, len(hello), []byte("default"))
	r, _ := startRelay(t, func(cfg *config.Config) { cfg.DefaultTarget = backendAddr })

	conn := dialRelay(t, r)
	_, err := conn.Write(hello)
	require.NoError(t, err)

	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "default", string(reply))
	assert.Equal(t, hello, <-got)
}

func TestRelayRejects(t *testing.T) {
	tests := []struct {
		name   string
		tune   func(cfg *config.Config)
		send   []byte
		metric func(m *metrics.Registry) float64
	}{
		{
			name: "no route",
			send: testutil.Record(record.ContentTypeHandshake, testutil.ClientHello("nowhere.example.org")),
			metric: func(m *metrics.Registry) float64 {
				return promtest.ToFloat64(m.Connections.WithLabelValues("no_route"))
			},
		},
		{
			name: "plain http",
			send: []byte("GET / HTTP/1.1\r\nHost: app.example.com\r\n\r\n"),
			metric: func(m *metrics.Registry) float64 {
				return promtest.ToFloat64(m.SNIErrors.WithLabelValues("not_tls"))
			},
		},
		{
			name: "missing sni",
			send: testutil.Record(record.ContentTypeHandshake, testutil.ClientHello()),
			metric: func(m *metrics.Registry) float64 {
				return promtest.ToFloat64(m.SNIErrors.WithLabelValues("no_sni"))
			},
		},
		{
			name: "server hello",
			send: testutil.Record(record.ContentTypeHandshake, []byte{2, 0, 0, 1, 0}),
			metric: func(m *metrics.Registry) float64 {
				return promtest.ToFloat64(m.SNIErrors.WithLabelValues("not_client_hello"))
			},
		},
		{
			name: "prelude limit",
			tune: func(cfg *config.Config) { cfg.TCP.MaxPreludeBytes = 16 },
			send: testutil.Record(record.ContentTypeHandshake, testutil.ClientHello("app.example.com")),
			metric: func(m *metrics.Registry) float64 {
				return promtest.ToFloat64(m.SNIErrors.WithLabelValues("prelude_limit"))
			},
		},
		{
			name: "handshake timeout",
			tune: func(cfg *config.Config) { cfg.TCP.HandshakeTimeout = 100 * time.Millisecond },
			send: testutil.Record(record.ContentTypeHandshake, testutil.ClientHello("app.example.com"))[:20],
			metric: func(m *metrics.Registry) float64 {
				return promtest.ToFloat64(m.SNIErrors.WithLabelValues("timeout"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, m := startRelay(t, tt.tune)

			conn := dialRelay(t, r)
			_, err := conn.Write(tt.send)
			require.NoError(t, err)

			expectClosed(t, conn)
			assert.Eventually(t, func() bool { return tt.metric(m) == 1 }, 2*time.Second, 10*time.Millisecond)
			assert.Zero(t, promtest.ToFloat64(m.Connections.WithLabelValues("routed")))
		})
	}
}

func TestRelayStopsOnCancel(t *testing.T) {
	cfg := &config.Config{}
	cfg.TCP.MaxPreludeBytes = 1024
	r, err := NewRelay(cfg, strategy.NewStrategyManager(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	<-r.Ready()

	// An idle client holding a connection must not keep Start from returning.
	conn, err := net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestRelayStopsOnCancelWithIdleBackend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	cfg := &config.Config{}
	cfg.TCP.HandshakeTimeout = 2 * time.Second
	cfg.TCP.DialTimeout = time.Second
	cfg.TCP.MaxPreludeBytes = 64 * 1024
	manager := strategy.NewStrategyManager()
	manager.Register(strategy.StrategySimple, strategy.NewSimpleStrategy())
	require.NoError(t, manager.Apply(strategy.Route{FQDN: "a.example.com", Type: strategy.StrategySimple, Target: ln.Addr().String()}))

	m := metrics.New()
	r, err := NewRelay(cfg, manager, m)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	<-r.Ready()

	conn := dialRelay(t, r)
	_, err = conn.Write(testutil.Record(record.ContentTypeHandshake, testutil.ClientHello("a.example.com")))
	require.NoError(t, err)

	// The backend accepts and then holds the connection open without sending.
	var backend net.Conn
	select {
	case backend = <-accepted:
		defer backend.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("Relay never dialed the backend")
	}
	assert.Eventually(t, func() bool {
		return promtest.ToFloat64(m.Connections.WithLabelValues("routed")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel with a routed connection open")
	}
	expectClosed(t, conn)
}

func TestRelayStartTwice(t *testing.T) {
	r, _ := startRelay(t, nil)
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
}

func TestNextAcceptDelay(t *testing.T) {
	var d time.Duration
	var got []time.Duration
	for i := 0; i < 10; i++ {
		d = nextAcceptDelay(d)
		got = append(got, d)
	}
	assert.Equal(t, 5*time.Millisecond, got[0])
	assert.Equal(t, 10*time.Millisecond, got[1])
	assert.Equal(t, 640*time.Millisecond, got[7])
	assert.Equal(t, time.Second, got[8])
	assert.Equal(t, time.Second, got[9])
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "prelude_limit", ErrorKind(errPreludeLimit))
	assert.Equal(t, "not_tls", ErrorKind(&record.HeaderError{ContentType: 23, Err: record.ErrNotHandshake}))
	assert.Equal(t, "bad_record", ErrorKind(&record.HeaderError{ContentType: 22, Err: record.ErrRecordTooLarge}))
	assert.Equal(t, "io", ErrorKind(io.ErrClosedPipe))
}
