package notice

import (
	"io"
	"sync"

	"github.com/fatih/color"
)

// ConsoleNotifier prints notices as coloured lines. Dismissal has nothing
// to undo on a terminal.
type ConsoleNotifier struct {
	mu   sync.Mutex
	w    io.Writer
	next Handle
}

// NewConsoleNotifier writes to w, usually os.Stderr.
func NewConsoleNotifier(w io.Writer) *ConsoleNotifier {
	return &ConsoleNotifier{w: w}
}

var palette = map[Kind]*color.Color{
	Default: color.New(color.FgCyan),
	Warn:    color.New(color.FgYellow),
	Error:   color.New(color.FgRed, color.Bold),
}

func (c *ConsoleNotifier) Show(n Notice) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	palette[n.kind()].Fprintln(c.w, n.Text)
	return c.next
}

func (c *ConsoleNotifier) Dismiss(Handle) {}
