package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/meshchat/meshchat/internal/config"
	"github.com/meshchat/meshchat/internal/ipc"
	"github.com/meshchat/meshchat/internal/session"
	"github.com/olekukonko/tablewriter"
)

// ErrMissingArgument is returned when a command is called without its
// required argument.
var ErrMissingArgument = errors.New("missing argument")

// agentClient is the part of ipc.Client the commands use.
type agentClient interface {
	Status() (ipc.StatusResponse, error)
	Links() ([]ipc.LinkView, error)
	Connect(remoteID string) error
	Accept(remoteID string) error
	Reject(remoteID string) error
	Cancel(remoteID string) error
	Disconnect(remoteID string) error
	Send(channel, text string) (ipc.SendResponse, error)
	History(channel string, limit int) ([]ipc.MessageView, error)
	Channels() ([]string, error)
	Delete(channel, messageID string) (int, error)
	Board(boardID string, state json.RawMessage) (ipc.BoardResponse, error)
	Boards() ([]ipc.BoardView, error)
	Typing(channel string, typing bool) (int, error)
	Typers(channel string) ([]string, error)
	CreateChannel(name string) (bool, error)
	Close() error
}

var _ agentClient = (*ipc.Client)(nil)

// CLI provides commands for interacting with the agent.
type CLI struct {
	socket string
	client agentClient
	output io.Writer
}

// NewCLI creates a new CLI instance that connects to the agent via a Unix socket.
func NewCLI(socket string) *CLI {
	return &CLI{
		socket: socket,
		output: os.Stdout,
	}
}

// defaultSocket returns MESHCHAT_SOCKET when set, else the default path.
func defaultSocket() string {
	if s := os.Getenv(config.EnvPrefix + "_SOCKET"); s != "" {
		return config.ExpandPath(s)
	}
	return config.DefaultPaths().AgentSocket
}

func (c *CLI) connect() error {
	if c.client != nil {
		return nil
	}
	client, err := ipc.NewClient(c.socket)
	if err != nil {
		return fmt.Errorf("failed to connect to agent: %w", err)
	}
	c.client = client
	return nil
}

// Close closes the agent connection.
func (c *CLI) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// Status displays the agent's identity and link counts.
func (c *CLI) Status() error {
	if err := c.connect(); err != nil {
		return err
	}

	fmt.Fprintln(c.output, "=== Meshchat Agent ===")
	fmt.Fprintln(c.output)

	st, err := c.client.Status()
	if err != nil {
		fmt.Fprintf(c.output, "Status: %s\n", color.FgRed.Render("not running"))
		fmt.Fprintf(c.output, "Error: %v\n", err)
		return nil
	}

	fmt.Fprintf(c.output, "Status: %s\n", color.FgGreen.Render("running"))
	fmt.Fprintf(c.output, "ID: %s\n", st.ID)
	fmt.Fprintf(c.output, "Display Name: %s\n", st.DisplayName)
	fmt.Fprintf(c.output, "Peer ID: %s\n", st.PeerID)
	fmt.Fprintf(c.output, "Mesh Connections: %d\n", st.Connections)
	fmt.Fprintf(c.output, "Active Links: %d\n", st.Active)
	fmt.Fprintf(c.output, "Pending Incoming: %d\n", st.PendingIncoming)
	fmt.Fprintf(c.output, "Pending Outgoing: %d\n", st.PendingOutgoing)
	fmt.Fprintf(c.output, "Up Since: %s\n", formatTime(st.StartedAt))
	if len(st.Addrs) > 0 {
		fmt.Fprintln(c.output, "Listen Addresses:")
		for _, a := range st.Addrs {
			fmt.Fprintf(c.output, "  - %s\n", a)
		}
	}
	return nil
}

// Links lists every link with its state.
func (c *CLI) Links() error {
	if err := c.connect(); err != nil {
		return err
	}

	links, err := c.client.Links()
	if err != nil {
		return fmt.Errorf("failed to get links: %w", err)
	}
	if len(links) == 0 {
		fmt.Fprintln(c.output, "No links")
		return nil
	}

	table := newTable(c.output, "Remote", "Name", "State", "Direction", "Updated")
	for _, l := range links {
		table.Append([]string{l.RemoteID, l.DisplayName, colorState(l.State), l.Direction, formatTime(l.UpdatedAt)})
	}
	table.Render()
	return nil
}

// peerCommand runs one of the link operations that take a remote identifier.
func (c *CLI) peerCommand(args []string, verb string, call func(agentClient, string) error) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("%w: remote id", ErrMissingArgument)
	}
	if err := c.connect(); err != nil {
		return err
	}
	if err := call(c.client, args[0]); err != nil {
		return fmt.Errorf("failed to %s %s: %w", verb, args[0], err)
	}
	return nil
}

// Connect starts a connection attempt.
func (c *CLI) Connect(args []string) error {
	err := c.peerCommand(args, "connect to", agentClient.Connect)
	if err == nil {
		fmt.Fprintf(c.output, "Connection request sent to %s\n", args[0])
	}
	return err
}

// Accept accepts a pending request.
func (c *CLI) Accept(args []string) error {
	err := c.peerCommand(args, "accept", agentClient.Accept)
	if err == nil {
		fmt.Fprintf(c.output, "Accepted %s\n", args[0])
	}
	return err
}

// Reject rejects a pending request.
func (c *CLI) Reject(args []string) error {
	err := c.peerCommand(args, "reject", agentClient.Reject)
	if err == nil {
		fmt.Fprintf(c.output, "Rejected %s\n", args[0])
	}
	return err
}

// Cancel abandons an outgoing attempt.
func (c *CLI) Cancel(args []string) error {
	err := c.peerCommand(args, "cancel", agentClient.Cancel)
	if err == nil {
		fmt.Fprintf(c.output, "Cancelled request to %s\n", args[0])
	}
	return err
}

// Disconnect ends an active link.
func (c *CLI) Disconnect(args []string) error {
	err := c.peerCommand(args, "disconnect from", agentClient.Disconnect)
	if err == nil {
		fmt.Fprintf(c.output, "Disconnected from %s\n", args[0])
	}
	return err
}

// Send posts a message. With two or more arguments the first is the channel.
func (c *CLI) Send(args []string) error {
	var channel, text string
	switch len(args) {
	case 0:
		return fmt.Errorf("%w: message text", ErrMissingArgument)
	case 1:
		text = args[0]
	default:
		channel, text = args[0], strings.Join(args[1:], " ")
	}
	if err := c.connect(); err != nil {
		return err
	}

	resp, err := c.client.Send(channel, text)
	if err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	fmt.Fprintf(c.output, "Sent to #%s (%d peers)\n", resp.Channel, resp.Delivered)
	return nil
}

// History prints the recent messages of a channel.
func (c *CLI) History(args []string) error {
	channel := ""
	if len(args) > 0 {
		channel = args[0]
	}
	if err := c.connect(); err != nil {
		return err
	}

	msgs, err := c.client.History(channel, 0)
	if err != nil {
		return fmt.Errorf("failed to get history: %w", err)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(c.output, "No messages")
		return nil
	}
	for _, m := range msgs {
		author := m.Author
		if m.AuthorName != "" && m.AuthorName != m.Author {
			author = fmt.Sprintf("%s (%s)", m.AuthorName, m.Author)
		}
		fmt.Fprintf(c.output, "[%s] %s %s: %s\n", formatTime(m.SentAt), color.FgGray.Render(m.ID), color.FgCyan.Render(author), m.Text)
	}
	return nil
}

// Channels lists the known channels.
func (c *CLI) Channels() error {
	if err := c.connect(); err != nil {
		return err
	}
	names, err := c.client.Channels()
	if err != nil {
		return fmt.Errorf("failed to get channels: %w", err)
	}
	for _, n := range names {
		fmt.Fprintf(c.output, "#%s\n", n)
	}
	return nil
}

// CreateChannel adds a channel and announces it to connected peers.
func (c *CLI) CreateChannel(args []string) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("%w: channel name", ErrMissingArgument)
	}
	if err := c.connect(); err != nil {
		return err
	}
	created, err := c.client.CreateChannel(args[0])
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	if !created {
		fmt.Fprintf(c.output, "Channel #%s already exists\n", strings.TrimPrefix(args[0], "#"))
		return nil
	}
	fmt.Fprintf(c.output, "Created #%s\n", strings.TrimPrefix(args[0], "#"))
	return nil
}

// Delete retracts one of our messages. With two arguments the first is the
// channel.
func (c *CLI) Delete(args []string) error {
	var channel, id string
	switch len(args) {
	case 0:
		return fmt.Errorf("%w: message id", ErrMissingArgument)
	case 1:
		id = args[0]
	default:
		channel, id = args[0], args[1]
	}
	if err := c.connect(); err != nil {
		return err
	}
	delivered, err := c.client.Delete(channel, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	fmt.Fprintf(c.output, "Deleted %s (%d peers notified)\n", id, delivered)
	return nil
}

// Board publishes a new snapshot of a shared board. Every argument after the
// board id is joined into the JSON state.
func (c *CLI) Board(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: board id and JSON state", ErrMissingArgument)
	}
	state := json.RawMessage(strings.Join(args[1:], " "))
	if !json.Valid(state) {
		return fmt.Errorf("board state is not valid JSON: %s", state)
	}
	if err := c.connect(); err != nil {
		return err
	}
	resp, err := c.client.Board(args[0], state)
	if err != nil {
		return fmt.Errorf("failed to update board: %w", err)
	}
	fmt.Fprintf(c.output, "Board %s is now at version %d (%d peers)\n", resp.Board.BoardID, resp.Board.Version, resp.Delivered)
	return nil
}

// Boards lists the shared boards the agent holds.
func (c *CLI) Boards() error {
	if err := c.connect(); err != nil {
		return err
	}
	boards, err := c.client.Boards()
	if err != nil {
		return fmt.Errorf("failed to get boards: %w", err)
	}
	if len(boards) == 0 {
		fmt.Fprintln(c.output, "No boards")
		return nil
	}
	table := newTable(c.output, "Board", "Version", "Author", "Updated", "State")
	for _, b := range boards {
		table.Append([]string{b.BoardID, strconv.FormatUint(b.Version, 10), b.Author, formatTime(b.UpdatedAt), string(b.State)})
	}
	table.Render()
	return nil
}

// Typing sets the local typing indicator: typing [channel] on|off.
func (c *CLI) Typing(args []string) error {
	var channel, mode string
	switch len(args) {
	case 0:
		return fmt.Errorf("%w: on or off", ErrMissingArgument)
	case 1:
		mode = args[0]
	default:
		channel, mode = args[0], args[1]
	}
	var typing bool
	switch strings.ToLower(mode) {
	case "on":
		typing = true
	case "off":
	default:
		return fmt.Errorf("typing state must be on or off, got %q", mode)
	}
	if err := c.connect(); err != nil {
		return err
	}
	delivered, err := c.client.Typing(channel, typing)
	if err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	fmt.Fprintf(c.output, "Typing %s (%d peers)\n", strings.ToLower(mode), delivered)
	return nil
}

// Typers lists the peers typing in a channel.
func (c *CLI) Typers(args []string) error {
	channel := ""
	if len(args) > 0 {
		channel = args[0]
	}
	if err := c.connect(); err != nil {
		return err
	}
	peers, err := c.client.Typers(channel)
	if err != nil {
		return fmt.Errorf("failed to get typing peers: %w", err)
	}
	if len(peers) == 0 {
		fmt.Fprintln(c.output, "Nobody is typing")
		return nil
	}
	fmt.Fprintf(c.output, "%s typing\n", color.FgYellow.Render(strings.Join(peers, ", ")))
	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	return table
}

func colorState(state string) string {
	switch state {
	case session.StateActive.String():
		return color.FgGreen.Render(state)
	case session.StatePendingIncoming.String():
		return color.FgYellow.Render(state)
	case session.StatePendingOutgoing.String():
		return color.FgBlue.Render(state)
	default:
		return state
	}
}

// formatTime formats a timestamp for display.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// printUsage prints the CLI usage information to stdout.
func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo prints the CLI usage information to the given writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, "Usage: meshchat-cli [-socket path] <command> [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  status                    Show agent status")
	fmt.Fprintln(w, "  links                     List links and their states")
	fmt.Fprintln(w, "  connect <id>              Ask a participant to connect")
	fmt.Fprintln(w, "  accept <id>               Accept a pending request")
	fmt.Fprintln(w, "  reject <id>               Reject a pending request")
	fmt.Fprintln(w, "  cancel <id>               Cancel an outgoing request")
	fmt.Fprintln(w, "  disconnect <id>           End an active link")
	fmt.Fprintln(w, "  send [channel] <text>     Post a message")
	fmt.Fprintln(w, "  history [channel]         Show recent messages")
	fmt.Fprintln(w, "  channels                  List channels")
	fmt.Fprintln(w, "  create-channel <name>     Create a channel and announce it")
	fmt.Fprintln(w, "  delete [channel] <id>     Delete one of your messages")
	fmt.Fprintln(w, "  board <id> <json>         Publish a shared board snapshot")
	fmt.Fprintln(w, "  boards                    List shared boards")
	fmt.Fprintln(w, "  typing [channel] on|off   Set your typing indicator")
	fmt.Fprintln(w, "  typers [channel]          Show who is typing")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  meshchat-cli connect bob")
	fmt.Fprintln(w, "  meshchat-cli send general hello there")
	fmt.Fprintln(w, "  meshchat-cli history general")
	fmt.Fprintln(w, `  meshchat-cli board plan '{"step":1}'`)
}
