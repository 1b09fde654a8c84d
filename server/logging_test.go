package server

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/codetesla51/epoll-http/logger"
)

func TestLogRequestPlainOutputHasNoColor(t *testing.T) {
	// a terminal on stdout must not leak escapes into a non-terminal log
	saved := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = saved }()

	var out bytes.Buffer
	s := New(DefaultConfig(), nil, WithLogger(logger.NewWriter(&out, logger.LevelInfo)))

	s.logRequest("GET", "/index.html", 200, 0)
	s.logRequest("GET", "/missing", 404, 0)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "GET /index.html 200 0s")
	assert.Contains(t, lines[1], "GET /missing 404 0s")
	assert.NotContains(t, out.String(), "\x1b[")
}
