package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/haasonsaas/opswire/internal/client"
	"github.com/haasonsaas/opswire/internal/connection"
	"github.com/haasonsaas/opswire/internal/presence"
)

const consoleHelp = `commands:
  status            connection and operator status
  who [all|<id>]    operators online, every known operator, or one operator
  goto <section>    change the current section
  set <status>      online, away or busy
  away              treat the console as backgrounded
  back              return to the foreground
  alerts            unread alert count
  read              mark all alerts read
  quit              disconnect and exit`

// lockedWriter serializes console output with notifications written from
// the connection goroutines.
type lockedWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Write(p)
}

type console struct {
	client *client.Client
	out    io.Writer
}

// runConsole reads commands from in until quit or ctx is done. After EOF the
// session stays up until ctx is done so the console can run without a
// terminal.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, c *client.Client) error {
	w := &lockedWriter{out: out}
	cs := &console{client: c, out: w}
	c.OnStateChange(func(s connection.Session) {
		if s.State == connection.StateDisconnected && s.ReconnectAttempts > 0 {
			fmt.Fprintf(w, "* %s (retry %d)\n", s.State, s.ReconnectAttempts)
			return
		}
		fmt.Fprintf(w, "* %s\n", s.State)
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if quit := cs.exec(line); quit {
				return nil
			}
		}
	}
}

// exec runs one console command and reports whether the console should exit.
func (cs *console) exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	c := cs.client
	switch cmd, args := strings.ToLower(fields[0]), fields[1:]; cmd {
	case "help", "?":
		fmt.Fprintln(cs.out, consoleHelp)
	case "status":
		cs.printStatus()
	case "who":
		table := c.Presence()
		switch {
		case len(args) == 0:
			cs.printEntries(table.ListOnline())
		case strings.EqualFold(args[0], "all"):
			cs.printEntries(table.Entries())
		default:
			cs.printOperator(args[0])
		}
	case "goto":
		if len(args) != 1 {
			fmt.Fprintln(cs.out, "usage: goto <section>")
			return false
		}
		c.Navigate(args[0])
		fmt.Fprintf(cs.out, "section: %s\n", c.CurrentSection())
	case "set":
		if len(args) != 1 {
			fmt.Fprintln(cs.out, "usage: set <online|away|busy>")
			return false
		}
		status, err := presence.ParseStatus(args[0])
		if err == nil && status == presence.StatusOffline {
			err = fmt.Errorf("use quit to go offline")
		}
		if err == nil {
			err = c.SetStatus(status)
		}
		if err != nil {
			fmt.Fprintf(cs.out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(cs.out, "status: %s\n", c.Status())
	case "away":
		c.OnBackground()
		fmt.Fprintf(cs.out, "status: %s\n", c.Status())
	case "back":
		c.OnForeground()
		fmt.Fprintf(cs.out, "status: %s\n", c.Status())
	case "alerts":
		fmt.Fprintf(cs.out, "unread alerts: %d\n", c.Unread())
	case "read":
		c.MarkAllRead()
		fmt.Fprintln(cs.out, "unread alerts: 0")
	case "quit", "exit":
		c.Logout()
		return true
	default:
		fmt.Fprintf(cs.out, "unknown command %q (type help)\n", cmd)
	}
	return false
}

func (cs *console) printStatus() {
	c := cs.client
	s := c.Session()
	operator := "-"
	if op, ok := c.Operator(); ok {
		operator = fmt.Sprintf("%s (%s)", op.Name, op.ID)
	}
	tw := tabwriter.NewWriter(cs.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "operator:\t%s\n", operator)
	fmt.Fprintf(tw, "connection:\t%s\n", s.State)
	if s.ID != "" {
		fmt.Fprintf(tw, "session:\t%s\n", s.ID)
	}
	if s.ReconnectAttempts > 0 {
		fmt.Fprintf(tw, "reconnects:\t%d\n", s.ReconnectAttempts)
	}
	fmt.Fprintf(tw, "status:\t%s\n", c.Status())
	fmt.Fprintf(tw, "section:\t%s\n", c.CurrentSection())
	fmt.Fprintf(tw, "unread alerts:\t%d\n", c.Unread())
	_ = tw.Flush()
}

func (cs *console) printEntries(entries []presence.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(cs.out, "nobody online")
		return
	}
	tw := tabwriter.NewWriter(cs.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tROLE\tSTATUS\tSECTION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Role, e.Status, e.Section)
	}
	_ = tw.Flush()
}

func (cs *console) printOperator(id string) {
	e, ok := cs.client.Presence().Get(id)
	if !ok {
		fmt.Fprintf(cs.out, "no operator %q\n", id)
		return
	}
	tw := tabwriter.NewWriter(cs.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "operator:\t%s (%s)\n", e.Name, e.OperatorID)
	fmt.Fprintf(tw, "role:\t%s\n", e.Role)
	fmt.Fprintf(tw, "status:\t%s\n", e.Status)
	fmt.Fprintf(tw, "section:\t%s\n", e.Section)
	fmt.Fprintf(tw, "last seen:\t%s\n", e.LastSeen.Format("15:04:05"))
	_ = tw.Flush()
}
