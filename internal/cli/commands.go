// Package cli implements the interactive operator console for exocore: live
// session, scheduler and audit tables on the server side, and a chat prompt
// on the client side.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/exoengine/exocore/internal/config"
	"github.com/exoengine/exocore/internal/db"
	"github.com/exoengine/exocore/internal/events"
	"github.com/exoengine/exocore/internal/scheduler"
	"github.com/exoengine/exocore/internal/session"
)

var errQuit = errors.New("quit")

// Deps are the components the console reports on. Nil components make the
// matching commands print "not available".
type Deps struct {
	Session *session.Server
	Queue   *scheduler.TaskQueue
	Alarms  *scheduler.AlarmQueue
	Audit   *db.AuditLog
}

// CLI provides the interactive server console.
type CLI struct {
	cfg    *config.Config
	bus    *events.EventBus
	deps   Deps
	in     io.Reader
	out    io.Writer
	logger zerolog.Logger
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(cfg *config.Config, bus *events.EventBus, deps Deps, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:    cfg,
		bus:    bus,
		deps:   deps,
		in:     in,
		out:    out,
		logger: log.With().Str("component", "cli").Logger(),
	}
}

// Start runs the command loop until ctx is cancelled, input ends or the
// operator quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nexocore console ready. Type 'help' for available commands.")

	lines := readLines(ctx, c.in)
	for {
		fmt.Fprint(c.out, "exocore> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			err := c.Execute(ctx, strings.ToLower(parts[0]), parts[1:])
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs a single command.
func (c *CLI) Execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return c.printStatus()
	case "peers", "p":
		return c.printPeers()
	case "tasks":
		return c.printTasks()
	case "alarms":
		return c.printAlarms()
	case "audit":
		return c.printAudit(args)
	case "say", "broadcast":
		return c.cmdSay(args)
	case "kick":
		return c.cmdKick(args)
	case "setconfig":
		return c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down exocore...")
		if c.bus != nil {
			c.bus.Emit(ctx, events.Event{
				Type:   events.EventShutdown,
				Source: "cli",
			})
		}
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
Commands:
  status                       Socket and session summary
  peers                        Table of transport peers
  tasks                        Task queue statistics
  alarms                       Pending alarms
  audit [n]                    Last n session events (default 20)
  say <text>                   Broadcast a global message
  kick <name>                  Disconnect a connected player
  setconfig <sec> <key> <val>  Update and save a configuration value
  quit                         Shut exocore down
  help                         Show this help message`)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() error {
	srv := c.deps.Session
	if srv == nil {
		return errors.New("session server not available")
	}
	sock := srv.Socket()
	cfg := srv.Config()

	fmt.Fprintf(c.out, "\n  Name:        %s\n", cfg.Name)
	fmt.Fprintf(c.out, "  Version:     %d\n", cfg.Version)
	fmt.Fprintf(c.out, "  Transport:   %s\n", sock.Kind())
	fmt.Fprintf(c.out, "  Bound:       %v\n", sock.IsBound())
	fmt.Fprintf(c.out, "  Port:        %d\n", sock.Port())
	fmt.Fprintf(c.out, "  Peers:       %d\n", sock.ClientCount())
	fmt.Fprintf(c.out, "  Connected:   %d/%d\n\n", srv.ConnectedCount(), cfg.MaxClients)
	return nil
}

func (c *CLI) printPeers() error {
	if c.deps.Session == nil {
		return errors.New("session server not available")
	}
	tw := c.newTable("Address", "Transport", "Name", "State", "Connected", "Joined")
	for _, p := range c.deps.Session.Peers() {
		name, joined := p.Name, "-"
		if name == "" {
			name = "-"
		}
		if !p.JoinedAt.IsZero() {
			joined = p.JoinedAt.Format(time.TimeOnly)
		}
		tw.Append([]string{
			p.Address,
			p.Transport,
			name,
			p.State,
			p.ConnectedAt.Format(time.TimeOnly),
			joined,
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printTasks() error {
	if c.deps.Queue == nil {
		return errors.New("task queue not available")
	}
	st := c.deps.Queue.Stats()
	tw := c.newTable("Workers", "Pending", "Capacity", "Policy", "Executed", "Rejected", "Evicted", "Panicked", "Abandoned")
	tw.Append([]string{
		strconv.Itoa(st.Workers),
		strconv.Itoa(st.Pending),
		strconv.Itoa(st.Capacity),
		st.Policy,
		strconv.FormatUint(st.Executed, 10),
		strconv.FormatUint(st.Rejected, 10),
		strconv.FormatUint(st.Evicted, 10),
		strconv.FormatUint(st.Panicked, 10),
		strconv.Itoa(st.Abandoned),
	})
	tw.Render()
	return nil
}

func (c *CLI) printAlarms() error {
	if c.deps.Alarms == nil {
		return errors.New("alarm queue not available")
	}
	tw := c.newTable("ID", "Task", "Due", "Every")
	for _, a := range c.deps.Alarms.Pending() {
		every := "-"
		if a.Interval > 0 {
			every = a.Interval.String()
		}
		tw.Append([]string{
			strconv.FormatUint(a.ID, 10),
			a.Name,
			a.At.Format(time.TimeOnly),
			every,
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printAudit(args []string) error {
	if c.deps.Audit == nil {
		return errors.New("audit log not available")
	}
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}
	entries, err := c.deps.Audit.Recent(limit)
	if err != nil {
		return err
	}
	tw := c.newTable("Time", "Event", "Address", "Name", "Outcome")
	for _, e := range entries {
		tw.Append([]string{
			e.CreatedAt.Format(time.DateTime),
			e.Kind,
			e.Address,
			e.Name,
			e.Outcome,
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdSay(args []string) error {
	if c.deps.Session == nil {
		return errors.New("session server not available")
	}
	if len(args) == 0 {
		return errors.New("usage: say <text>")
	}
	n := c.deps.Session.Broadcast(strings.Join(args, " "))
	fmt.Fprintf(c.out, "Message sent to %d peers\n", n)
	return nil
}

func (c *CLI) cmdKick(args []string) error {
	if c.deps.Session == nil {
		return errors.New("session server not available")
	}
	if len(args) != 1 {
		return errors.New("usage: kick <name>")
	}
	if err := c.deps.Session.Kick(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Kicked %s\n", args[0])
	return nil
}

// cmdSetConfig updates one field. Values that parse as JSON (numbers,
// booleans) are stored typed, anything else as a string.
func (c *CLI) cmdSetConfig(args []string) error {
	if c.cfg == nil {
		return errors.New("configuration not available")
	}
	if len(args) < 3 {
		return errors.New("usage: setconfig <section> <key> <value>")
	}
	section, key := args[0], args[1]
	raw := strings.Join(args[2:], " ")

	var value interface{} = raw
	var parsed interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		value = parsed
	}

	if err := c.cfg.UpdateField(section, key, value); err != nil {
		return err
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}
	c.logger.Info().Str("section", section).Str("key", key).Msg("configuration updated from console")
	fmt.Fprintf(c.out, "Config updated: %s.%s = %s (restart to apply)\n", section, key, raw)
	return nil
}

// readLines feeds lines from r until it ends or ctx is cancelled.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
