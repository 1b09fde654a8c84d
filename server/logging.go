package server

import (
	"fmt"
	"time"

	"github.com/fatih/color"
)

// status colors are forced on; whether to use them is the logger's call,
// not fatih/color's stdout detection
var (
	statusOK  = forcedColor(color.FgGreen)
	statusBad = forcedColor(color.FgRed)
)

func forcedColor(attr color.Attribute) *color.Color {
	c := color.New(attr)
	c.EnableColor()
	return c
}

// logRequest logs a served request with a color-coded status
func (s *Server) logRequest(method, path string, code int, elapsed time.Duration) {
	line := fmt.Sprintf("%s %s %d %s", method, path, code, elapsed)
	if s.log.Colored() {
		switch {
		case code < 300:
			line = statusOK.Sprint(line)
		case code >= 400:
			line = statusBad.Sprint(line)
		}
	}
	s.log.Info("%s", line)
}
