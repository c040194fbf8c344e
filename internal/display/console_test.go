package display

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/duboc/mic-transcriber/internal/reconcile"
)

func fixedClock() time.Time {
	return time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)
}

func newTestConsole() (*Console, *bytes.Buffer) {
	var buf bytes.Buffer
	c := New(&buf)
	c.now = fixedClock
	return c, &buf
}

func TestInterimRewrittenInPlace(t *testing.T) {
	c, buf := newTestConsole()

	c.Update(reconcile.Line{ChunkID: 1, Text: "he", State: reconcile.Interim})
	c.Update(reconcile.Line{ChunkID: 1, Text: "hello", State: reconcile.Interim})

	out := buf.String()
	if strings.Contains(out, "\n") {
		t.Errorf("interim updates emitted a newline: %q", out)
	}
	if strings.Count(out, "\r") != 2 {
		t.Errorf("expected 2 carriage returns, got %d in %q", strings.Count(out, "\r"), out)
	}
	if !strings.Contains(out, "10:30:00 #1 hello…") {
		t.Errorf("missing interim rendering in %q", out)
	}
}

func TestFinalCommitsWithNewline(t *testing.T) {
	c, buf := newTestConsole()

	c.Update(reconcile.Line{ChunkID: 1, Text: "hello", State: reconcile.Interim})
	c.Update(reconcile.Line{ChunkID: 1, Text: "hello world", State: reconcile.Final})

	out := buf.String()
	if !strings.HasSuffix(out, "10:30:00 #1 hello world\n") {
		t.Errorf("final line not committed with newline: %q", out)
	}
	if strings.Contains(out, "…\n") {
		t.Errorf("interim marker leaked onto a committed line: %q", out)
	}
}

func TestShorterRewritePadsOverLongerInterim(t *testing.T) {
	c, buf := newTestConsole()

	c.Update(reconcile.Line{ChunkID: 1, Text: "a much longer interim guess", State: reconcile.Interim})
	buf.Reset()
	c.Update(reconcile.Line{ChunkID: 1, Text: "short", State: reconcile.Final})

	out := buf.String()
	long := "10:30:00 #1 a much longer interim guess…"
	final := "10:30:00 #1 short"
	wantPad := len(long) - len(final)
	if !strings.Contains(out, final+strings.Repeat(" ", wantPad)) {
		t.Errorf("shorter final did not pad over the longer interim: %q", out)
	}
}

func TestFlushPrintsOrderedTranscript(t *testing.T) {
	c, buf := newTestConsole()

	c.Update(reconcile.Line{ChunkID: 3, Text: "dangling interim", State: reconcile.Interim})
	c.Flush([]reconcile.Line{
		{ChunkID: 1, Text: "first", State: reconcile.Final},
		{ChunkID: 2, Text: "second", State: reconcile.Final},
	})

	out := buf.String()
	if !strings.Contains(out, "Final transcript:\n#1 first\n#2 second\n") {
		t.Errorf("transcript block malformed: %q", out)
	}
}

func TestFlushEmptyHistory(t *testing.T) {
	c, buf := newTestConsole()

	c.Flush(nil)
	if !strings.Contains(buf.String(), "(no finalized results)") {
		t.Errorf("empty transcript not reported: %q", buf.String())
	}
}
