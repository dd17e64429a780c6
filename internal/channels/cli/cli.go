// Package cli implements a channels.Channel backed by stdin/stdout, for
// local development and single-operator deployments. Output formatting
// uses lipgloss, matching the teacher's TUI styling conventions.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/crypdick/pynchy/internal/channels"
)

var (
	agentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Bold(true)
	hostStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// Channel is a single-JID terminal channel: everything typed at stdin is
// one inbound message for a fixed workspace JID, and everything sent is
// printed to stdout.
type Channel struct {
	channels.BaseChannel
	jid    string
	onLine func(text string)

	mu      sync.Mutex
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

// New constructs a cli channel bound to a single workspace JID (typically
// "cli:local" for the admin workspace during development).
func New(jid string, onLine func(text string)) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("cli", nil),
		jid:         jid,
		onLine:      onLine,
	}
}

func (c *Channel) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.SetConnected(true)
	go c.readLoop(runCtx)
	return nil
}

func (c *Channel) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if c.onLine != nil {
			c.onLine(line)
		}
	}
}

func (c *Channel) Disconnect(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.SetConnected(false)
	return nil
}

func (c *Channel) Reconnect(ctx context.Context) error {
	_ = c.Disconnect(ctx)
	return c.Connect(ctx)
}

func (c *Channel) OwnsJID(jid string) bool { return jid == c.jid }

func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	_, err := fmt.Fprintln(os.Stdout, agentStyle.Render(text))
	return err
}

func (c *Channel) PrefixAssistantName() bool { return true }

// SetTyping renders a lightweight typing notice, satisfying
// channels.TypingChannel.
func (c *Channel) SetTyping(ctx context.Context, jid string, on bool) error {
	if on {
		fmt.Fprintln(os.Stdout, hostStyle.Render("…"))
	}
	return nil
}

var (
	_ channels.Channel        = (*Channel)(nil)
	_ channels.TypingChannel  = (*Channel)(nil)
)
