package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/chaz8081/blerelay/internal/session"
	"github.com/chaz8081/blerelay/internal/sink"
)

// printInfo prints a status line to the screen.
func printInfo(message string) {
	color.New(color.FgGreen, color.Bold).Println("[+] " + message)
}

// printWarn prints a warning to the screen.
func printWarn(message string) {
	color.New(color.FgYellow, color.Bold).Println("[-] " + message)
}

// printError prints an error to the screen.
func printError(err error) {
	color.New(color.FgRed, color.Bold).Println("[!] " + err.Error())
}

// printNotice prints a session notice according to its level.
func printNotice(n session.Notice) {
	switch n.Level {
	case session.NoticeError:
		if n.Err != nil {
			printError(fmt.Errorf("%s: %w", n.Message, n.Err))
			return
		}
		printError(fmt.Errorf("%s", n.Message))
	case session.NoticeWarn:
		printWarn(n.Message)
	default:
		printInfo(n.Message)
	}
}

// consoleSink shows readings on a terminal. It stands in for the on-screen
// log of received payloads.
type consoleSink struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleSink() *consoleSink {
	return &consoleSink{out: color.Output}
}

func (c *consoleSink) Publish(_ context.Context, msg sink.Message) error {
	r, ok := msg.(sink.ReadingMessage)
	if !ok {
		return nil
	}
	stamp := color.New(color.FgHiBlack).Sprint(r.Data.Timestamp.Local().Format(time.TimeOnly))
	dev := color.New(color.FgCyan).Sprint(r.Device)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "%s %s %s\n", stamp, dev, r.Data.Text)
	return err
}

var _ sink.Sink = (*consoleSink)(nil)

// stderrIsTerminal reports whether progress output should be drawn.
func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
