// Package stashlog adapts apex/log to the Stash plugin log protocol.
//
// The plugin runner reads log lines from stderr; a line carries its
// level as a single byte wrapped in SOH/STX control characters, e.g.
// "\x01e\x02something failed".
package stashlog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/apex/log"
)

var levelCodes = map[log.Level]byte{
	log.DebugLevel: 'd',
	log.InfoLevel:  'i',
	log.WarnLevel:  'w',
	log.ErrorLevel: 'e',
	log.FatalLevel: 'e',
}

// Handler writes apex/log entries in the Stash plugin framing.
type Handler struct {
	mu sync.Mutex
	w  io.Writer
}

// New returns a Handler writing to w, or stderr when w is nil.
func New(w io.Writer) *Handler {
	if w == nil {
		w = os.Stderr
	}
	return &Handler{w: w}
}

// HandleLog implements log.Handler.
func (h *Handler) HandleLog(e *log.Entry) error {
	code, ok := levelCodes[e.Level]
	if !ok {
		code = 'i'
	}

	var b bytes.Buffer
	b.WriteByte('\x01')
	b.WriteByte(code)
	b.WriteByte('\x02')
	b.WriteString(e.Message)
	for _, name := range e.Fields.Names() {
		fmt.Fprintf(&b, " %s=%v", name, e.Fields.Get(name))
	}
	// One stderr line per entry; embedded newlines would be read as
	// separate, unleveled lines.
	out := bytes.ReplaceAll(b.Bytes(), []byte("\n"), []byte(`\n`))
	out = append(out, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(out)
	return err
}
