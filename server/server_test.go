package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codetesla51/epoll-http/metrics"
)

type countingMetrics struct {
	metrics.ServerMetrics

	mu       sync.Mutex
	closed   map[string]int
	rejected map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		ServerMetrics: metrics.Noop(),
		closed:        make(map[string]int),
		rejected:      make(map[string]int),
	}
}

func (m *countingMetrics) ConnectionClosed(reason string) {
	m.mu.Lock()
	m.closed[reason]++
	m.mu.Unlock()
}

func (m *countingMetrics) ConnectionRejected(reason string) {
	m.mu.Lock()
	m.rejected[reason]++
	m.mu.Unlock()
}

func (m *countingMetrics) closedCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[reason]
}

func (m *countingMetrics) rejectedCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected[reason]
}

func testConfig(root string) *Config {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.DocRoot = root
	cfg.Workers = 4
	cfg.MaxEvents = 64
	cfg.Backlog = 128
	cfg.IdleTimeout = 5 * time.Second
	cfg.MaxBodySize = 1 << 20
	return cfg
}

func startServer(t *testing.T, cfg *Config, router *Router, opts ...Option) *Server {
	t.Helper()
	s := New(cfg, router, opts...)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrServerClosed)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, br *bufio.Reader, method, target string, keepAlive bool) (*http.Response, string) {
	t.Helper()
	header := "Connection: close\r\n"
	if keepAlive {
		header = "Connection: keep-alive\r\n"
	}
	_, err := fmt.Fprintf(conn, "%s %s HTTP/1.1\r\nHost: localhost\r\n%s\r\n", method, target, header)
	require.NoError(t, err)
	return readResponse(t, br, method)
}

func readResponse(t *testing.T, br *bufio.Reader, method string) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(br, &http.Request{Method: method})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func TestServeStaticAcrossTriggerModes(t *testing.T) {
	root := newDocRoot(t)
	big := strings.Repeat("0123456789abcdef", 16*1024) // 256KB
	writePage(t, root, "big.txt", big, 0o644)

	for mode := TriggerLevel; mode <= TriggerEdge; mode++ {
		t.Run(fmt.Sprintf("mode%d", mode), func(t *testing.T) {
			cfg := testConfig(root)
			cfg.TriggerMode = mode
			s := startServer(t, cfg, nil)

			conn := dial(t, s)
			br := bufio.NewReader(conn)

			resp, body := roundTrip(t, conn, br, "GET", "/", true)
			assert.Equal(t, 200, resp.StatusCode)
			assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
			assert.Equal(t, "<h1>index</h1>", body)

			resp, body = roundTrip(t, conn, br, "GET", "/big.txt", true)
			assert.Equal(t, 200, resp.StatusCode)
			assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
			assert.Equal(t, len(big), len(body))
			assert.Equal(t, big, body)

			resp, body = roundTrip(t, conn, br, "GET", "/missing.html", false)
			assert.Equal(t, 404, resp.StatusCode)
			assert.Equal(t, "not found page", body)

			_, err := br.ReadByte()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

// Integration test
func TestIntegration(t *testing.T) {
	router := NewRouter()
	router.Register("GET", "/ping", func(req *Request) Reply {
		return Text(200, "pong")
	})
	s := startServer(t, testConfig(newDocRoot(t)), router)

	conn := dial(t, s)
	_, err := conn.Write([]byte("GET /ping HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)

	response, err := io.ReadAll(conn)
	require.NoError(t, err)

	responseStr := string(response)
	assert.Contains(t, responseStr, "200 OK")
	assert.Contains(t, responseStr, "Connection: close")
	assert.True(t, strings.HasSuffix(responseStr, "pong"))
}

func TestMalformedRequestGets400AndClose(t *testing.T) {
	s := startServer(t, testConfig(newDocRoot(t)), nil)

	conn := dial(t, s)
	br := bufio.NewReader(conn)
	_, err := conn.Write([]byte("BROKEN\r\n\r\n"))
	require.NoError(t, err)

	resp, body := readResponse(t, br, "GET")
	assert.Equal(t, 400, resp.StatusCode)
	assert.True(t, resp.Close, "Connection: close")
	assert.Equal(t, "bad request page", body)

	_, err = br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestPipelinedRequests(t *testing.T) {
	s := startServer(t, testConfig(newDocRoot(t)), nil)

	conn := dial(t, s)
	br := bufio.NewReader(conn)
	// without Content-Length a request swallows everything buffered after it
	req := "GET /index HTTP/1.1\r\nConnection: keep-alive\r\nContent-Length: 0\r\n\r\n"
	_, err := conn.Write([]byte(req + req + "GET /nope HTTP/1.1\r\nConnection: keep-alive\r\nContent-Length: 0\r\n\r\n"))
	require.NoError(t, err)

	for _, want := range []int{200, 200, 404} {
		resp, _ := readResponse(t, br, "GET")
		assert.Equal(t, want, resp.StatusCode)
	}
}

func TestOneTaskInFlightPerConnection(t *testing.T) {
	router := NewRouter()
	router.Register("GET", "/slow", func(req *Request) Reply {
		time.Sleep(time.Millisecond)
		return Text(200, "done")
	})
	cfg := testConfig(newDocRoot(t))
	cfg.Workers = 8
	s := startServer(t, cfg, router)

	const clients, requests = 8, 20
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
			br := bufio.NewReader(conn)

			for j := 0; j < requests; j++ {
				// split each request across writes to produce several
				// readiness events per request
				_, err := conn.Write([]byte("GET /slow HTTP/1.1\r\nConn"))
				if !assert.NoError(t, err) {
					return
				}
				_, err = conn.Write([]byte("ection: keep-alive\r\n\r\n"))
				if !assert.NoError(t, err) {
					return
				}
				resp, err := http.ReadResponse(br, &http.Request{Method: "GET"})
				if !assert.NoError(t, err) {
					return
				}
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				assert.Equal(t, "done", string(body))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), s.maxOverlap.Load())
}

func TestIdleConnectionEvictedOnce(t *testing.T) {
	m := newCountingMetrics()
	cfg := testConfig(newDocRoot(t))
	cfg.IdleTimeout = 100 * time.Millisecond
	s := startServer(t, cfg, nil, WithMetrics(m))

	conn := dial(t, s)
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool { return s.NumConns() == 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, m.closedCount(metrics.ReasonIdle))
}

func TestSlowHandlerIsNotIdle(t *testing.T) {
	m := newCountingMetrics()
	router := NewRouter()
	router.Register("GET", "/slow", func(req *Request) Reply {
		time.Sleep(400 * time.Millisecond)
		return Text(200, "late")
	})
	cfg := testConfig(newDocRoot(t))
	cfg.IdleTimeout = 100 * time.Millisecond
	s := startServer(t, cfg, router, WithMetrics(m))

	conn := dial(t, s)
	br := bufio.NewReader(conn)

	// the deadline passes while the handler runs; the reply still goes out
	start := time.Now()
	resp, body := roundTrip(t, conn, br, "GET", "/slow", true)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "late", body)
	assert.Equal(t, 0, m.closedCount(metrics.ReasonIdle))

	// then the idle deadline starts over
	_, err := br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
	assert.GreaterOrEqual(t, time.Since(start), 450*time.Millisecond)
	require.Eventually(t, func() bool { return s.NumConns() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, m.closedCount(metrics.ReasonIdle))
}

func TestHeadKeepsFraming(t *testing.T) {
	router := NewRouter()
	router.Register("HEAD", "/ping", func(req *Request) Reply {
		return Text(200, "pong")
	})
	cfg := testConfig(newDocRoot(t))
	cfg.IdleTimeout = 60 * time.Second
	s := startServer(t, cfg, router)

	conn := dial(t, s)
	br := bufio.NewReader(conn)

	resp, body := roundTrip(t, conn, br, "HEAD", "/index.html", true)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int64(14), resp.ContentLength)
	assert.Equal(t, "max=6, timeout=60", resp.Header.Get("Keep-Alive"))
	assert.Empty(t, body)

	resp, body = roundTrip(t, conn, br, "HEAD", "/ping", true)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int64(4), resp.ContentLength)
	assert.Empty(t, body)

	resp, body = roundTrip(t, conn, br, "GET", "/index.html", true)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "<h1>index</h1>", body)
}

func TestRejectsWhenFull(t *testing.T) {
	m := newCountingMetrics()
	cfg := testConfig(newDocRoot(t))
	cfg.MaxConns = 1
	s := startServer(t, cfg, nil, WithMetrics(m))

	first := dial(t, s)
	resp, _ := roundTrip(t, first, bufio.NewReader(first), "GET", "/", true)
	require.Equal(t, 200, resp.StatusCode)

	second := dial(t, s)
	data, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, busyMessage, string(data))
	assert.Equal(t, 1, m.rejectedCount(metrics.ReasonCapacity))
	assert.Equal(t, 1, s.NumConns())
}

func TestAcceptRateLimit(t *testing.T) {
	m := newCountingMetrics()
	cfg := testConfig(newDocRoot(t))
	cfg.AcceptRate = 0.001
	cfg.AcceptBurst = 1
	s := startServer(t, cfg, nil, WithMetrics(m))

	first := dial(t, s)
	resp, _ := roundTrip(t, first, bufio.NewReader(first), "GET", "/", true)
	require.Equal(t, 200, resp.StatusCode)

	second := dial(t, s)
	data, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, busyMessage, string(data))
	assert.Equal(t, 1, m.rejectedCount(metrics.ReasonRate))
}

func TestHandlerPanicReturns500(t *testing.T) {
	router := NewRouter()
	router.Register("GET", "/boom", func(req *Request) Reply {
		panic("boom")
	})
	s := startServer(t, testConfig(newDocRoot(t)), router)

	conn := dial(t, s)
	resp, body := roundTrip(t, conn, bufio.NewReader(conn), "GET", "/boom", true)
	assert.Equal(t, 500, resp.StatusCode)
	assert.True(t, resp.Close, "Connection: close")
	assert.Equal(t, "Internal server error occurred", body)
}

func TestListenRejectsPrivilegedPort(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Port = 80
	err := New(cfg, nil).Listen()
	assert.ErrorContains(t, err, "out of range")
}

func TestShutdownClosesClients(t *testing.T) {
	m := newCountingMetrics()
	s := New(testConfig(newDocRoot(t)), nil, WithMetrics(m))
	require.NoError(t, s.Listen())
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	conn := dial(t, s)
	resp, _ := roundTrip(t, conn, bufio.NewReader(conn), "GET", "/", true)
	require.Equal(t, 200, resp.StatusCode)

	s.Shutdown()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, 0, s.NumConns())
	assert.Equal(t, 1, m.closedCount(metrics.ReasonShutdown))
}
