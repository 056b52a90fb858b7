// Package term merges interleaved log streams from many sources (DVCS
// daemons, filesystem watchers, the SSH tunnel, the orchestrator itself)
// into a single terminal: complete lines scroll up, and exactly one
// ephemeral tail line at the cursor shows each source's in-flight partial
// line, concatenated with " | ".
package term

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

const defaultCols = 80

// writerState is the Terminal's view of a single source's state.
type writerState struct {
	prefix  string
	partial string
	output  strings.Builder
	muted   bool
	keepOut bool // whether to also accumulate into output
}

type lineMsg struct {
	id       string
	text     string // a single complete line, without trailing newline
	complete bool   // true: flush as a complete line; false: replace partial
	ack      chan struct{}
}

// Terminal owns the terminal's stdout and serializes all writes through a
// single goroutine: every Writer posts to one shared queue, which that
// goroutine consumes in order.
type Terminal struct {
	out     io.Writer
	color   bool
	cols    int
	msgs    chan lineMsg
	done    chan struct{}
	closeWG sync.WaitGroup

	mu       sync.Mutex
	writers  map[string]*writerState
	order    []string
	lastTail string
}

// NewTerminal constructs a Terminal writing to out. noColor forces markup
// stripping regardless of whether out is a tty.
func NewTerminal(out io.Writer, noColor bool) *Terminal {
	t := &Terminal{
		out:     out,
		color:   !noColor && isTTY(out),
		cols:    terminalWidth(out),
		msgs:    make(chan lineMsg, 256),
		done:    make(chan struct{}),
		writers: make(map[string]*writerState),
	}
	t.closeWG.Add(1)
	go t.run()
	return t
}

func isTTY(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func terminalWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok {
		return defaultCols
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return defaultCols
	}
	return w
}

// Close stops the consumer goroutine after draining pending messages.
func (t *Terminal) Close() {
	close(t.msgs)
	t.closeWG.Wait()
}

// Sync blocks until every message enqueued before this call has been
// applied. Intended for tests and for callers that need a synchronization
// point (e.g. before reading a Writer's Output()).
func (t *Terminal) Sync() {
	ack := make(chan struct{})
	t.msgs <- lineMsg{ack: ack}
	<-ack
}

func (t *Terminal) run() {
	defer t.closeWG.Done()
	for msg := range t.msgs {
		t.apply(msg)
	}
}

func (t *Terminal) apply(msg lineMsg) {
	if msg.ack != nil {
		close(msg.ack)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ws, ok := t.writers[msg.id]
	if !ok {
		return
	}
	if msg.complete {
		ws.partial = ""
		if ws.keepOut {
			ws.output.WriteString(msg.text)
			ws.output.WriteByte('\n')
		}
		if !ws.muted {
			t.flushLineLocked(ws.prefix, msg.text)
		}
	} else {
		ws.partial = msg.text
	}
	t.redrawTailLocked()
}

// flushLineLocked writes a completed line above the tail: erase the tail,
// print the line, then redraw the tail.
func (t *Terminal) flushLineLocked(prefix, line string) {
	fmt.Fprint(t.out, "\r\033[K")
	// The tail is now erased on screen; forget it so the redraw that
	// follows in apply is not skipped as unchanged.
	t.lastTail = ""
	rendered := resolveMarkup(fmt.Sprintf("(@dim)[(@r)%s(@dim)](@r) %s", prefix, line), t.color)
	if !t.color {
		rendered = stripANSI(rendered)
	}
	fmt.Fprintln(t.out, rendered)
}

func (t *Terminal) redrawTailLocked() {
	var parts []string
	for _, id := range t.order {
		ws := t.writers[id]
		if ws.partial == "" {
			continue
		}
		parts = append(parts, ws.partial)
	}
	tail := strings.Join(parts, " | ")
	max := t.cols - 1
	if max > 0 && len(tail) > max {
		tail = tail[:max]
	}
	if tail == t.lastTail {
		return
	}
	t.lastTail = tail
	fmt.Fprint(t.out, "\r\033[K", tail)
}

// Writer is a single logical log source.
type Writer struct {
	t         *Terminal
	id        string
	accumBuf  bool
}

// NewWriter registers a new source under prefix (rendered as "[prefix]").
// When keepOutput is true, the writer also accumulates a full-output
// buffer retrievable via Output(), for commands that want `.output` after
// completion.
func (t *Terminal) NewWriter(id, prefix string, muted, keepOutput bool) *Writer {
	t.mu.Lock()
	if _, exists := t.writers[id]; !exists {
		t.order = append(t.order, id)
	}
	t.writers[id] = &writerState{prefix: prefix, muted: muted, keepOut: keepOutput}
	t.mu.Unlock()
	return &Writer{t: t, id: id, accumBuf: keepOutput}
}

// WriteLine enqueues one complete line (without a trailing newline) to be
// flushed above the tail.
func (w *Writer) WriteLine(line string) {
	w.t.msgs <- lineMsg{id: w.id, text: line, complete: true}
}

// SetPartial replaces this writer's current in-flight (not yet newline
// terminated) tail-line contribution.
func (w *Writer) SetPartial(partial string) {
	w.t.msgs <- lineMsg{id: w.id, text: partial, complete: false}
}

// Output returns the accumulated full-output buffer, if this writer was
// created with keepOutput.
func (w *Writer) Output() string {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	ws, ok := w.t.writers[w.id]
	if !ok {
		return ""
	}
	return ws.output.String()
}

// PumpLines reads complete lines from r and feeds them to WriteLine until
// r is exhausted or closed, the way the distilled spec's pipe_quote pumps
// a subprocess stream into the Terminal Writer. It stops early if done is
// closed.
func (w *Writer) PumpLines(r io.Reader, done <-chan struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-done:
			return
		default:
		}
		w.WriteLine(scanner.Text())
	}
}
