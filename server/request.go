package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/codetesla51/epoll-http/buffer"
)

// ParseState is the position of the incremental parser within a request.
type ParseState int

const (
	StateRequestLine ParseState = iota
	StateHeaders
	StateBody
	StateFinish
)

// ParseResult reports the outcome of one Parse call.
type ParseResult int

const (
	ParseAgain ParseResult = iota
	ParseFinish
	ParseError
)

var crlf = []byte("\r\n")

// paths served from "<name>.html" when requested without a suffix
var defaultHTML = map[string]struct{}{
	"/index":    {},
	"/register": {},
	"/login":    {},
	"/welcome":  {},
	"/video":    {},
	"/picture":  {},
	"/filelist": {},
	"/upload":   {},
	"/showlist": {},
}

// Request represents an incoming HTTP request. It is filled incrementally
// by Parse and reused across keep-alive requests on one connection.
type Request struct {
	Method  string
	Target  string // path as sent, without the query string
	Path    string // Target after default page mapping
	Version string

	Query      map[string]string
	Headers    map[string]string
	Body       []byte
	Form       map[string]string
	PathParams map[string]string
	Browser    string

	state         ParseState
	headerBytes   int
	maxHeaderSize int
	maxBodySize   int64
}

// NewRequest creates a Request limited to maxHeaderSize bytes of request
// line and headers and maxBodySize bytes of body. Zero disables a limit.
func NewRequest(maxHeaderSize int, maxBodySize int64) *Request {
	r := &Request{maxHeaderSize: maxHeaderSize, maxBodySize: maxBodySize}
	r.Reset()
	return r
}

// Reset prepares the request for the next message on the connection.
func (r *Request) Reset() {
	r.Method, r.Target, r.Path, r.Version, r.Browser = "", "", "", "", ""
	r.Query = nil
	r.Headers = make(map[string]string, 8)
	r.Body = r.Body[:0]
	r.Form = nil
	r.PathParams = nil
	r.state = StateRequestLine
	r.headerBytes = 0
}

// State returns the current parser state.
func (r *Request) State() ParseState { return r.state }

// Parse consumes as much of buf as forms the current request. It returns
// ParseAgain when more bytes are needed, ParseFinish once the request is
// complete and ParseError for a malformed or oversized request.
func (r *Request) Parse(buf *buffer.Buffer) ParseResult {
	if buf.Readable() == 0 {
		return ParseAgain
	}

	for r.state != StateFinish {
		if r.state == StateBody {
			res := r.parseBody(buf)
			if res != ParseFinish {
				return res
			}
			continue
		}

		data := buf.Peek()
		idx := bytes.Index(data, crlf)
		if idx < 0 {
			if r.maxHeaderSize > 0 && r.headerBytes+len(data) > r.maxHeaderSize {
				return ParseError
			}
			return ParseAgain
		}

		line := string(data[:idx])
		buf.Consume(idx + len(crlf))
		r.headerBytes += idx + len(crlf)
		if r.maxHeaderSize > 0 && r.headerBytes > r.maxHeaderSize {
			return ParseError
		}

		switch r.state {
		case StateRequestLine:
			if !r.parseRequestLine(line) {
				return ParseError
			}
			r.state = StateHeaders
		case StateHeaders:
			r.parseHeader(line)
		}
	}
	return ParseFinish
}

// parseRequestLine accepts exactly "METHOD SP TARGET SP HTTP/VERSION".
func (r *Request) parseRequestLine(line string) bool {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return false
	}
	version, ok := strings.CutPrefix(parts[2], "HTTP/")
	if !ok || version == "" {
		return false
	}

	r.Method = parts[0]
	r.Version = version

	target, rawQuery, hasQuery := strings.Cut(parts[1], "?")
	if hasQuery {
		r.Query = parseKeyValuePairsFromBytes([]byte(rawQuery))
	}
	r.Target = target
	r.Path = normalizePath(target)
	return true
}

func normalizePath(p string) string {
	if p == "/" {
		return "/index.html"
	}
	if _, ok := defaultHTML[p]; ok {
		return p + ".html"
	}
	return p
}

// parseHeader records one "Key: value" line. A blank or malformed line
// ends the header section.
func (r *Request) parseHeader(line string) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		r.state = StateBody
		return
	}
	r.Headers[key] = strings.TrimPrefix(value, " ")
}

func (r *Request) parseBody(buf *buffer.Buffer) ParseResult {
	if raw, ok := r.Headers["Content-Length"]; ok {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || n < 0 {
			return ParseError
		}
		if r.maxBodySize > 0 && n > r.maxBodySize {
			return ParseError
		}
		if int64(buf.Readable()) < n {
			return ParseAgain
		}
		r.Body = append(r.Body[:0], buf.Peek()[:n]...)
		buf.Consume(int(n))
	} else {
		// Without a length everything already buffered is the body.
		r.Body = append(r.Body[:0], buf.Peek()...)
		buf.ConsumeAll()
	}

	r.Browser = detectBrowser(r.Headers["User-Agent"])
	r.parseForm()
	r.state = StateFinish
	return ParseFinish
}

func (r *Request) parseForm() {
	if r.Method != "POST" || len(r.Body) == 0 {
		return
	}
	contentType := r.Headers["Content-Type"]
	switch {
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		r.Form = parseKeyValuePairsFromBytes(r.Body)
	case strings.Contains(contentType, "application/json"):
		r.Form = parseJSONBodyFromBytes(r.Body)
	}
}

// IsKeepAlive reports whether the client asked for a persistent HTTP/1.1
// connection.
func (r *Request) IsKeepAlive() bool {
	return r.Headers["Connection"] == "keep-alive" && r.Version == "1.1"
}

// FormValue returns a decoded form field, or "" when absent.
func (r *Request) FormValue(key string) string {
	return r.Form[key]
}

// Cookie returns the value of the named cookie from the Cookie header.
func (r *Request) Cookie(name string) string {
	for _, part := range strings.Split(r.Headers["Cookie"], ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k == name {
			return v
		}
	}
	return ""
}

// parseKeyValuePairsFromBytes parses URL-encoded key-value pairs
func parseKeyValuePairsFromBytes(data []byte) map[string]string {
	resultMap := make(map[string]string, 8)
	pairs := bytes.Split(data, []byte("&"))

	for _, pair := range pairs {
		parts := bytes.SplitN(pair, []byte("="), 2)
		if len(parts) == 2 {
			decodedKey := safeURLDecode(string(parts[0]))
			decodedValue := safeURLDecode(string(parts[1]))
			resultMap[decodedKey] = decodedValue
		}
	}
	return resultMap
}

// parseJSONBodyFromBytes flattens a JSON object into a string map
func parseJSONBodyFromBytes(bodyData []byte) map[string]string {
	var jsonData map[string]any
	result := make(map[string]string, 8)

	if err := json.Unmarshal(bodyData, &jsonData); err != nil {
		return result
	}

	for key, value := range jsonData {
		result[key] = fmt.Sprintf("%v", value)
	}
	return result
}

// safeURLDecode decodes a URL-encoded string, returning original on error
func safeURLDecode(encoded string) string {
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return encoded
	}
	return decoded
}

func detectBrowser(userAgent string) string {
	switch {
	case strings.Contains(userAgent, "Chrome"):
		return "Chrome"
	case strings.Contains(userAgent, "Firefox"):
		return "Firefox"
	case strings.Contains(userAgent, "Safari"):
		return "Safari"
	default:
		return "Unknown Browser"
	}
}
