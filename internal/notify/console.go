package notify

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Console prints notifications as single colored lines.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	stamp  *color.Color
	styles map[Severity]*color.Color
}

// NewConsole returns a console notifier writing to out.
func NewConsole(out io.Writer, noColor bool) *Console {
	c := &Console{
		out:   out,
		stamp: color.New(color.FgHiBlack),
		styles: map[Severity]*color.Color{
			SeverityInfo:     color.New(color.FgCyan),
			SeverityWarning:  color.New(color.FgYellow, color.Bold),
			SeverityCritical: color.New(color.FgRed, color.Bold),
		},
	}
	if noColor {
		c.stamp.DisableColor()
		for _, style := range c.styles {
			style.DisableColor()
		}
	}
	return c
}

// Notify writes one line for n.
func (c *Console) Notify(n Notification) {
	style, ok := c.styles[n.Severity]
	if !ok {
		style = c.styles[SeverityInfo]
	}

	var b strings.Builder
	b.WriteString(n.Title)
	if n.Description != "" {
		b.WriteString(": ")
		b.WriteString(n.Description)
	}
	if n.From != "" {
		fmt.Fprintf(&b, " (from %s)", n.From)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !n.At.IsZero() {
		c.stamp.Fprintf(c.out, "[%s] ", n.At.Format("15:04:05"))
	}
	style.Fprintf(c.out, "%-8s", strings.ToUpper(string(n.Severity)))
	fmt.Fprintf(c.out, " %s\n", b.String())
}
