package server

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/codetesla51/epoll-http/buffer"
)

var codeStatus = map[int]string{
	200: "OK",
	201: "Created",
	204: "No Content",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	413: "Payload Too Large",
	500: "Internal Server Error",
	503: "Service Unavailable",
}

var codePath = map[int]string{
	400: "/400.html",
	403: "/403.html",
	404: "/404.html",
}

// Response assembles the status line and headers into a write buffer and
// exposes the body separately, either as an in-memory slice or as a
// read-only mapping of the served file.
type Response struct {
	code        int
	path        string
	docRoot     string
	keepAlive   bool
	headers     map[string]string
	body        []byte
	contentType string
	inMemory    bool
	headOnly    bool
	mmFile      []byte

	// advertised in the Keep-Alive header; survives Init
	idleTimeout time.Duration
}

// Init prepares the response for a file at path under docRoot. A code of
// zero lets Make derive it from the file.
func (r *Response) Init(docRoot, path string, keepAlive bool, code int) {
	r.Unmap()
	r.code = code
	r.path = path
	r.docRoot = docRoot
	r.keepAlive = keepAlive
	r.headers = nil
	r.body = nil
	r.contentType = ""
	r.inMemory = false
	r.headOnly = false
}

// SetHeadOnly makes Make announce the body length without sending the body.
func (r *Response) SetHeadOnly(headOnly bool) { r.headOnly = headOnly }

// SetIdleTimeout sets the timeout advertised to keep-alive clients.
func (r *Response) SetIdleTimeout(d time.Duration) { r.idleTimeout = d }

// SetBody switches the response to an in-memory body.
func (r *Response) SetBody(contentType string, body []byte, code int) {
	r.inMemory = true
	r.contentType = contentType
	r.body = body
	r.code = code
}

// SetHeader adds an extra header line to the response.
func (r *Response) SetHeader(key, value string) {
	if r.headers == nil {
		r.headers = make(map[string]string, 2)
	}
	r.headers[key] = value
}

// Code returns the final status code, valid after Make.
func (r *Response) Code() int { return r.code }

// KeepAlive reports whether the connection stays open after this response.
func (r *Response) KeepAlive() bool { return r.keepAlive }

// File returns the mapped file body, or nil.
func (r *Response) File() []byte { return r.mmFile }

// FileLen returns the length of the mapped file body.
func (r *Response) FileLen() int { return len(r.mmFile) }

// Unmap releases the mapped file body, if any.
func (r *Response) Unmap() {
	if r.mmFile != nil {
		_ = unix.Munmap(r.mmFile)
		r.mmFile = nil
	}
}

// Make writes the status line and headers into buf. In-memory bodies are
// appended to buf as well; file bodies are mapped and left for File.
func (r *Response) Make(buf *buffer.Buffer) {
	if !r.inMemory {
		if r.code == 0 || r.code < 400 {
			r.resolve()
		}
		if p, ok := codePath[r.code]; ok {
			r.path = p
		}
	}
	if _, ok := codeStatus[r.code]; !ok {
		r.code = 400
	}

	r.addStatusLine(buf)
	r.addHeaders(buf)
	if r.inMemory {
		buf.AppendString("Content-Length: " + strconv.Itoa(len(r.body)) + "\r\n\r\n")
		if !r.headOnly {
			buf.Append(r.body)
		}
		return
	}
	r.addFile(buf)
}

func (r *Response) resolve() {
	full, ok := resolvePath(r.docRoot, r.path)
	if !ok {
		r.code = 403
		return
	}
	if _, code := statusForFile(full); code != 0 {
		r.code = code
		return
	}
	if r.code == 0 {
		r.code = 200
	}
}

func (r *Response) addStatusLine(buf *buffer.Buffer) {
	buf.AppendString("HTTP/1.1 " + strconv.Itoa(r.code) + " " + codeStatus[r.code] + "\r\n")
}

func (r *Response) addHeaders(buf *buffer.Buffer) {
	buf.AppendString("Connection: ")
	if r.keepAlive {
		buf.AppendString("keep-alive\r\n")
		buf.AppendString("Keep-Alive: max=6")
		if secs := int(r.idleTimeout / time.Second); secs > 0 {
			buf.AppendString(", timeout=" + strconv.Itoa(secs))
		}
		buf.AppendString("\r\n")
	} else {
		buf.AppendString("close\r\n")
	}

	contentType := r.contentType
	if !r.inMemory || contentType == "" {
		contentType = getContentType(r.path)
	}
	buf.AppendString("Content-Type: " + contentType + "\r\n")

	keys := make([]string, 0, len(r.headers))
	for k := range r.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.AppendString(k + ": " + r.headers[k] + "\r\n")
	}
}

func (r *Response) addFile(buf *buffer.Buffer) {
	full := filepath.Join(r.docRoot, filepath.FromSlash(r.path))
	f, err := os.Open(full)
	if err != nil {
		r.errorContent(buf, "File NotFound!")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		r.errorContent(buf, "File NotFound!")
		return
	}
	size := info.Size()
	if size == 0 || r.headOnly {
		buf.AppendString("Content-Length: " + strconv.FormatInt(size, 10) + "\r\n\r\n")
		return
	}

	mm, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		r.errorContent(buf, "File NotFound!")
		return
	}
	r.mmFile = mm
	buf.AppendString("Content-Length: " + strconv.FormatInt(size, 10) + "\r\n\r\n")
}

func (r *Response) errorContent(buf *buffer.Buffer, message string) {
	body := "<html><title>Error</title><body bgcolor=\"ffffff\">" +
		strconv.Itoa(r.code) + " : " + codeStatus[r.code] + "\n" +
		"<p>" + message + "</p>" +
		"<hr><em>epoll-http</em></body></html>"
	buf.AppendString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	if !r.headOnly {
		buf.AppendString(body)
	}
}
