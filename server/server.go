package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/codetesla51/epoll-http/buffer"
	"github.com/codetesla51/epoll-http/logger"
	"github.com/codetesla51/epoll-http/metrics"
	"github.com/codetesla51/epoll-http/reactor"
	"github.com/codetesla51/epoll-http/timer"
	"github.com/codetesla51/epoll-http/workerpool"
)

const busyMessage = "Server busy!"

// ErrServerClosed is returned by Serve after Shutdown or context cancellation.
var ErrServerClosed = errors.New("server: closed")

// step is what a worker asks for once it has finished with a connection.
type step struct {
	interest reactor.Interest
	close    bool
	reason   string
}

func arm(in reactor.Interest) step { return step{interest: in} }

func closeWith(reason string) step { return step{close: true, reason: reason} }

type closeRequest struct {
	c      *Conn
	reason string
}

// Server is a single-reactor HTTP/1.1 server. One goroutine waits on
// epoll, accepts clients, enforces idle timeouts and owns the connection
// table; parsing, routing and socket I/O run on the worker pool.
type Server struct {
	cfg     *Config
	router  *Router
	log     *logger.Logger
	metrics metrics.ServerMetrics
	limiter *rate.Limiter

	listenFd int
	port     int
	poller   *reactor.Poller
	pool     *workerpool.Pool
	timer    *timer.Heap

	listenEvent reactor.Interest
	connEvent   reactor.Interest
	connET      bool

	tableMu   sync.RWMutex
	conns     map[int]*Conn
	userCount atomic.Int64

	closeMu    sync.Mutex
	closeQueue []closeRequest

	closing    atomic.Bool
	maxOverlap atomic.Int32
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for lifecycle and request logs.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.ServerMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server. Nothing is opened until Listen.
func New(cfg *Config, router *Router, opts ...Option) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if router == nil {
		router = NewRouter()
	}
	s := &Server{
		cfg:      cfg,
		router:   router,
		log:      logger.Discard(),
		metrics:  metrics.Noop(),
		listenFd: -1,
		conns:    make(map[int]*Conn),
		timer:    timer.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	s.initEventMode(cfg.TriggerMode)
	return s
}

func (s *Server) initEventMode(mode int) {
	s.listenEvent = reactor.PeerHangup
	s.connEvent = reactor.OneShot | reactor.PeerHangup
	switch mode {
	case TriggerLevel:
	case TriggerConnEdge:
		s.connEvent |= reactor.EdgeTriggered
	case TriggerListenEdge:
		s.listenEvent |= reactor.EdgeTriggered
	default:
		s.listenEvent |= reactor.EdgeTriggered
		s.connEvent |= reactor.EdgeTriggered
	}
	s.connET = s.connEvent&reactor.EdgeTriggered != 0
}

// Listen opens the poller and the listening socket and starts the workers.
func (s *Server) Listen() error {
	poller, err := reactor.Open(s.cfg.MaxEvents)
	if err != nil {
		return fmt.Errorf("open poller: %w", err)
	}
	s.poller = poller

	if err := s.listen(); err != nil {
		_ = s.poller.Close()
		return err
	}

	s.pool = workerpool.New(s.cfg.Workers, workerpool.WithPanicHandler(func(v any) {
		s.log.Error("worker panic: %v\n%s", v, debug.Stack())
	}))
	s.log.Info("========== Server init ==========")
	s.log.Info("Port:%d, OpenLinger: %v", s.port, s.cfg.OptLinger)
	s.log.Info("Listen Mode: %s, OpenConn Mode: %s", modeName(s.listenEvent), modeName(s.connEvent))
	s.log.Info("srcDir: %s", s.cfg.DocRoot)
	s.log.Info("ThreadPool num: %d", s.pool.Size())
	return nil
}

func modeName(in reactor.Interest) string {
	if in&reactor.EdgeTriggered != 0 {
		return "ET"
	}
	return "LT"
}

// Addr returns the bound listening address.
func (s *Server) Addr() string {
	host := s.cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, fmt.Sprint(s.port))
}

// Port returns the bound port, useful when configured with port 0.
func (s *Server) Port() int { return s.port }

// NumConns returns the number of open client connections.
func (s *Server) NumConns() int {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	return len(s.conns)
}

// ListenAndServe runs Listen and then Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the reactor loop until ctx is done or Shutdown is called,
// then closes every connection and releases the server's resources.
func (s *Server) Serve(ctx context.Context) error {
	if s.poller == nil {
		return errors.New("server: Serve called before Listen")
	}
	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()
	defer s.teardown()

	s.log.Info("========== Server start ==========")
	for !s.closing.Load() {
		timeout := time.Duration(-1)
		if s.cfg.IdleTimeout > 0 {
			timeout = s.timer.NextDeadline()
		}
		if _, err := s.poller.Wait(timeout, s.dispatch); err != nil {
			if s.closing.Load() {
				break
			}
			return fmt.Errorf("epoll wait: %w", err)
		}
		s.drainCloseQueue()
	}
	return ErrServerClosed
}

// Shutdown asks the reactor loop to stop. It does not wait for it.
func (s *Server) Shutdown() {
	if s.closing.Swap(true) {
		return
	}
	if s.poller != nil {
		_ = s.poller.Wake()
	}
}

func (s *Server) teardown() {
	s.closing.Store(true)
	s.pool.Shutdown()
	s.drainCloseQueue()

	s.tableMu.RLock()
	open := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.tableMu.RUnlock()
	for _, c := range open {
		s.closeConn(c, metrics.ReasonShutdown)
	}

	s.timer.Clear()
	_ = s.poller.Remove(s.listenFd)
	_ = unix.Close(s.listenFd)
	_ = s.poller.Close()
	s.log.Info("========== Server stop ==========")
}

func (s *Server) dispatch(fd int, ev reactor.Event) {
	if fd == s.listenFd {
		s.acceptLoop()
		return
	}

	s.tableMu.RLock()
	c, ok := s.conns[fd]
	s.tableMu.RUnlock()
	if !ok {
		return
	}

	switch {
	case ev.IsHangup():
		s.closeConn(c, metrics.ReasonPeer)
	case ev.IsReadable():
		s.extendTime(c)
		s.submit(c, s.onRead)
	case ev.IsWritable():
		s.extendTime(c)
		s.submit(c, s.onWrite)
	default:
		s.log.Error("Unexpected event on fd %d: %#x", fd, uint32(ev))
	}
}

func (s *Server) acceptLoop() {
	for {
		nfd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EMFILE, unix.ENFILE:
				s.log.Error("Accept failed, descriptor limit reached: %v", err)
			default:
				s.log.Error("Accept failed: %v", err)
			}
			return
		}

		if s.cfg.MaxConns > 0 && s.userCount.Load() >= int64(s.cfg.MaxConns) {
			s.reject(nfd, metrics.ReasonCapacity)
			s.log.Warn("Clients is full!")
			continue
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.reject(nfd, metrics.ReasonRate)
			continue
		}
		s.addClient(nfd, sockaddrString(sa))
	}
}

func (s *Server) reject(fd int, reason string) {
	_, _ = unix.Write(fd, []byte(busyMessage))
	_ = unix.Close(fd)
	s.metrics.ConnectionRejected(reason)
}

func (s *Server) addClient(fd int, addr string) {
	c := newConn(fd, addr, s.cfg)

	s.tableMu.Lock()
	s.conns[fd] = c
	s.tableMu.Unlock()
	n := s.userCount.Add(1)

	s.startTimer(c)
	if err := s.poller.Add(fd, s.connEvent|reactor.Readable); err != nil {
		s.log.Error("Register client[%d] failed: %v", fd, err)
		s.closeConn(c, metrics.ReasonError)
		return
	}

	s.metrics.ConnectionAccepted()
	s.metrics.SetActiveConnections(int(n))
	s.log.Debug("Client[%d](%s) in! userCount:%d", fd, addr, n)
}

func (s *Server) startTimer(c *Conn) {
	if s.cfg.IdleTimeout > 0 {
		s.timer.Add(c.fd, s.cfg.IdleTimeout, func() { s.evict(c) })
	}
}

func (s *Server) extendTime(c *Conn) {
	if s.cfg.IdleTimeout > 0 {
		s.timer.Adjust(c.fd, s.cfg.IdleTimeout)
	}
}

// evict runs on the reactor goroutine when a connection's idle deadline
// passes. A connection with a task in flight is not idle: it is only
// marked, and its worker restarts the deadline when it finishes.
func (s *Server) evict(c *Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.busy {
		c.evicting = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	s.closeConn(c, metrics.ReasonIdle)
}

// closeConn unregisters and closes c. It must only run on the reactor
// goroutine (or during teardown, after the workers have stopped), and
// only while no task for c is in flight.
func (s *Server) closeConn(c *Conn, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	_ = s.poller.Remove(c.fd)
	s.timer.Remove(c.fd)
	s.tableMu.Lock()
	if s.conns[c.fd] == c {
		delete(s.conns, c.fd)
	}
	s.tableMu.Unlock()
	c.release()
	_ = unix.Close(c.fd)

	n := s.userCount.Add(-1)
	s.metrics.ConnectionClosed(reason)
	s.metrics.SetActiveConnections(int(n))
	s.log.Debug("Client[%d] quit (%s)", c.fd, reason)
}

// requestClose hands a close over to the reactor goroutine.
func (s *Server) requestClose(c *Conn, reason string) {
	s.closeMu.Lock()
	s.closeQueue = append(s.closeQueue, closeRequest{c: c, reason: reason})
	s.closeMu.Unlock()
	_ = s.poller.Wake()
}

func (s *Server) drainCloseQueue() {
	s.closeMu.Lock()
	queue := s.closeQueue
	s.closeQueue = nil
	s.closeMu.Unlock()

	for _, req := range queue {
		s.closeConn(req.c, req.reason)
	}
}

// submit queues fn for c unless a task is already in flight.
func (s *Server) submit(c *Conn, fn func(*Conn) step) {
	c.mu.Lock()
	if c.closed || c.busy {
		c.mu.Unlock()
		return
	}
	c.busy = true
	c.mu.Unlock()

	if err := s.pool.Submit(func() { s.runTask(c, fn) }); err != nil {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
		s.closeConn(c, metrics.ReasonShutdown)
	}
}

func (s *Server) runTask(c *Conn, fn func(*Conn) step) {
	next := closeWith(metrics.ReasonError)
	func() {
		defer func() {
			if v := recover(); v != nil {
				s.log.Error("PANIC recovered on client[%d]: %v\n%s", c.fd, v, debug.Stack())
			}
		}()
		n := c.inflight.Add(1)
		defer c.inflight.Add(-1)
		s.recordOverlap(n)
		next = fn(c)
	}()
	s.finish(c, next)
}

func (s *Server) recordOverlap(n int32) {
	for {
		m := s.maxOverlap.Load()
		if n <= m || s.maxOverlap.CompareAndSwap(m, n) {
			return
		}
	}
}

// finish is the worker's last touch of c: it either re-arms the
// descriptor or hands it to the reactor for closing. Re-arming happens
// under c.mu so the reactor cannot observe an idle, disarmed connection.
func (s *Server) finish(c *Conn, next step) {
	c.mu.Lock()
	c.busy = false
	if next.close {
		c.mu.Unlock()
		s.requestClose(c, next.reason)
		return
	}
	if c.evicting && !c.closed {
		// the deadline fired while the task ran and its entry is gone
		c.evicting = false
		s.startTimer(c)
	}
	err := s.poller.Modify(c.fd, s.connEvent|next.interest)
	c.mu.Unlock()
	if err != nil {
		s.log.Error("Re-arm client[%d] failed: %v", c.fd, err)
		s.requestClose(c, metrics.ReasonError)
	}
}

func (s *Server) onRead(c *Conn) step {
	n, err := c.read()
	if n > 0 {
		s.metrics.RecordBytes("in", n)
	}
	if err != nil && n == 0 && !errors.Is(err, buffer.ErrWouldBlock) {
		if errors.Is(err, io.EOF) {
			return closeWith(metrics.ReasonPeer)
		}
		s.log.Debug("Read client[%d] failed: %v", c.fd, err)
		return closeWith(metrics.ReasonError)
	}
	return s.onProcess(c)
}

func (s *Server) onProcess(c *Conn) step {
	if c.readBuf.Readable() == 0 {
		return arm(reactor.Readable)
	}
	if c.req.State() == StateRequestLine {
		c.started = time.Now()
	}

	res := c.req.Parse(c.readBuf)
	if res == ParseAgain {
		return arm(reactor.Readable)
	}

	var rep Reply
	if res == ParseFinish {
		rep = s.route(c)
	}
	c.prepare(s.cfg, res, rep)

	elapsed := time.Since(c.started)
	s.metrics.RecordRequest(c.req.Method, c.resp.Code(), elapsed)
	if s.cfg.EnableLogging {
		s.logRequest(c.req.Method, c.req.Target, c.resp.Code(), elapsed)
	}
	c.req.Reset()
	return arm(reactor.Writable)
}

func (s *Server) route(c *Conn) (rep Reply) {
	defer func() {
		if v := recover(); v != nil {
			s.log.Error("PANIC recovered in handler %s %s: %v\n%s", c.req.Method, c.req.Target, v, debug.Stack())
			rep = Text(500, "Internal server error occurred")
			rep.Close = true
		}
	}()
	return s.router.Route(c.req)
}

func (s *Server) onWrite(c *Conn) step {
	n, err := c.write(s.connET)
	if n > 0 {
		s.metrics.RecordBytes("out", n)
	}

	if c.toWrite() == 0 {
		c.resp.Unmap()
		if !c.resp.KeepAlive() {
			return closeWith(metrics.ReasonDone)
		}
		if c.readBuf.Readable() > 0 {
			return s.onProcess(c)
		}
		return arm(reactor.Readable)
	}
	if err == nil || errors.Is(err, buffer.ErrWouldBlock) {
		return arm(reactor.Writable)
	}
	s.log.Debug("Write client[%d] failed: %v", c.fd, err)
	return closeWith(metrics.ReasonError)
}
