package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/exoengine/exocore/internal/protocol"
	"github.com/exoengine/exocore/internal/session"
)

// ChatConsole is the client-side prompt. Plain lines are sent as global
// messages; lines starting with '/' are commands.
type ChatConsole struct {
	client *session.Client
	in     io.Reader
	out    io.Writer
}

// NewChatConsole creates a prompt driving client.
func NewChatConsole(client *session.Client, in io.Reader, out io.Writer) *ChatConsole {
	return &ChatConsole{client: client, in: in, out: out}
}

// Start runs the prompt until ctx is cancelled, input ends or /quit.
func (c *ChatConsole) Start(ctx context.Context) {
	fmt.Fprintf(c.out, "Joining as %s. Type /help for commands.\n", c.client.Name())

	lines := readLines(ctx, c.in)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			err := c.Execute(line)
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute handles one input line.
func (c *ChatConsole) Execute(line string) error {
	if !strings.HasPrefix(line, "/") {
		return c.client.Say(line)
	}

	switch cmd := strings.ToLower(strings.Fields(line)[0]); cmd {
	case "/help":
		fmt.Fprintln(c.out, "/discover  /join  /status  /leave  /quit")
	case "/discover":
		return c.client.Discover()
	case "/join":
		return c.client.Join()
	case "/status":
		c.printStatus()
	case "/leave":
		return c.client.Leave()
	case "/quit":
		if c.client.State() == protocol.StateConnected {
			if err := c.client.Leave(); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'\n", cmd)
	}
	return nil
}

func (c *ChatConsole) printStatus() {
	fmt.Fprintf(c.out, "  State:     %s\n", c.client.State())
	if props, ok := c.client.Properties(); ok {
		fmt.Fprintf(c.out, "  Server:    %s (v%d) %d/%d\n", props.Name, props.Version, props.Clients, props.ClientsMax)
	}
	if err := c.client.Err(); err != nil {
		fmt.Fprintf(c.out, "  Last error: %v\n", err)
	}
}
