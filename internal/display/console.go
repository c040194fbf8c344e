// Package display renders reconciled transcript lines on the console.
package display

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/duboc/mic-transcriber/internal/reconcile"
)

// Console writes one line per reconciled update. Interim lines are rewritten
// in place with a carriage return and an ellipsis marker; final lines are
// committed with a newline.
type Console struct {
	out       io.Writer
	mu        sync.Mutex
	lastWidth int
	now       func() time.Time
}

// New creates a console reporter writing to out.
func New(out io.Writer) *Console {
	return &Console{out: out, now: time.Now}
}

// Update renders a reconciled line.
func (c *Console) Update(line reconcile.Line) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stamp := c.now().Format("15:04:05")
	var rendered string
	if line.State == reconcile.Final {
		rendered = fmt.Sprintf("%s #%d %s", stamp, line.ChunkID, line.Text)
	} else {
		rendered = fmt.Sprintf("%s #%d %s…", stamp, line.ChunkID, line.Text)
	}

	// Pad over the remains of a longer interim line.
	pad := ""
	if w := len(rendered); w < c.lastWidth {
		pad = strings.Repeat(" ", c.lastWidth-w)
	}

	if line.State == reconcile.Final {
		fmt.Fprintf(c.out, "\r%s%s\n", rendered, pad)
		c.lastWidth = 0
	} else {
		fmt.Fprintf(c.out, "\r%s%s", rendered, pad)
		c.lastWidth = len(rendered)
	}
}

// Flush prints the ordered final transcript, one line per finalized chunk.
func (c *Console) Flush(history []reconcile.Line) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastWidth > 0 {
		fmt.Fprint(c.out, "\r", strings.Repeat(" ", c.lastWidth), "\r")
		c.lastWidth = 0
	}

	fmt.Fprintln(c.out, "\nFinal transcript:")
	if len(history) == 0 {
		fmt.Fprintln(c.out, "(no finalized results)")
		return
	}
	for _, line := range history {
		fmt.Fprintf(c.out, "#%d %s\n", line.ChunkID, line.Text)
	}
}
