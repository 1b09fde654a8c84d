package server

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/codetesla51/epoll-http/buffer"
)

// writes are repeated while more than this many bytes remain, even in
// level-triggered mode
const writeRepeatThreshold = 10240

// Conn is the per-client state. Its buffers, request and response are
// touched only by the worker currently serving it; the flags below are
// guarded by mu and coordinate that worker with the reactor.
type Conn struct {
	fd   int
	addr string

	readBuf  *buffer.Buffer
	writeBuf *buffer.Buffer
	req      *Request
	resp     Response
	iov      [2][]byte // headers, file body
	started  time.Time

	mu       sync.Mutex
	busy     bool // a task is queued or running
	evicting bool // idle timer fired while busy
	closed   bool

	inflight atomic.Int32
}

func newConn(fd int, addr string, cfg *Config) *Conn {
	c := &Conn{
		fd:       fd,
		addr:     addr,
		readBuf:  getBuffer(&readBufferPool),
		writeBuf: getBuffer(&writeBufferPool),
		req:      NewRequest(cfg.MaxHeaderSize, cfg.MaxBodySize),
	}
	c.resp.SetIdleTimeout(cfg.IdleTimeout)
	return c
}

// Fd returns the connection's descriptor.
func (c *Conn) Fd() int { return c.fd }

// Addr returns the peer address as "ip:port".
func (c *Conn) Addr() string { return c.addr }

// read drains the socket into the read buffer.
func (c *Conn) read() (int, error) {
	return c.readBuf.FillFrom(c.fd)
}

func (c *Conn) toWrite() int {
	return len(c.iov[0]) + len(c.iov[1])
}

// write sends the pending header and body spans with writev. It loops
// while data remains and either edge-triggered mode is on or more than
// writeRepeatThreshold bytes are left.
func (c *Conn) write(isET bool) (int, error) {
	total := 0
	for c.toWrite() > 0 {
		vecs := make([][]byte, 0, 2)
		for _, v := range c.iov {
			if len(v) > 0 {
				vecs = append(vecs, v)
			}
		}
		n, err := unix.Writev(c.fd, vecs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return total, buffer.ErrWouldBlock
			}
			return total, err
		}
		total += n
		c.advance(n)
		if !isET && c.toWrite() <= writeRepeatThreshold {
			break
		}
	}
	return total, nil
}

func (c *Conn) advance(n int) {
	if head := len(c.iov[0]); n >= head {
		c.iov[0] = nil
		c.writeBuf.ConsumeAll()
		c.iov[1] = c.iov[1][n-head:]
		return
	}
	c.iov[0] = c.iov[0][n:]
	c.writeBuf.Consume(n)
}

// prepare turns a routed reply, or a parse failure, into a pending response.
func (c *Conn) prepare(cfg *Config, res ParseResult, rep Reply) {
	if res == ParseError {
		c.resp.Init(cfg.DocRoot, c.req.Path, false, 400)
	} else {
		keepAlive := cfg.EnableKeepAlive && c.req.IsKeepAlive()
		if rep.Close {
			keepAlive = false
		}
		path := rep.Path
		if path == "" {
			path = c.req.Path
		}
		c.resp.Init(cfg.DocRoot, path, keepAlive, rep.Code)
		c.resp.SetHeadOnly(c.req.Method == "HEAD")
		for k, v := range rep.Headers {
			c.resp.SetHeader(k, v)
		}
		if rep.Body != nil || rep.ContentType != "" {
			c.resp.SetBody(rep.ContentType, rep.Body, rep.Code)
		}
	}

	c.writeBuf.ConsumeAll()
	c.resp.Make(c.writeBuf)
	c.iov[0] = c.writeBuf.Peek()
	c.iov[1] = c.resp.File()
}

// release returns pooled resources. The descriptor is closed by the caller.
func (c *Conn) release() {
	c.resp.Unmap()
	c.iov = [2][]byte{}
	putBuffer(&readBufferPool, c.readBuf)
	putBuffer(&writeBufferPool, c.writeBuf)
	c.readBuf, c.writeBuf = nil, nil
}
