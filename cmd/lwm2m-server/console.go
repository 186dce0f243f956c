package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/mash-protocol/lwm2m-go/pkg/codec"
	"github.com/mash-protocol/lwm2m-go/pkg/eventbus"
	"github.com/mash-protocol/lwm2m-go/pkg/observation"
	"github.com/mash-protocol/lwm2m-go/pkg/registration"
	"github.com/mash-protocol/lwm2m-go/pkg/server"
	"github.com/mash-protocol/lwm2m-go/pkg/wire"
)

// consoleTimeout bounds a single console request.
const consoleTimeout = 30 * time.Second

// console is the interactive operator shell of lwm2m-server.
type console struct {
	srv *server.Server
	out io.Writer
	rl  *readline.Instance

	notifyHandle eventbus.Handle
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

// bind points the console at a running server and starts printing
// notifications.
func (c *console) bind(srv *server.Server) {
	c.srv = srv
	c.notifyHandle = srv.Observations().Subscribe(
		func(e observation.Event) bool { return e.Kind == observation.EventNotified },
		c.printNotification,
	)
}

// attachTerminal switches output to a readline prompt on the terminal.
func (c *console) attachTerminal() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "lwm2m> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	c.rl = rl
	c.out = rl.Stdout()
	return nil
}

// Stdout returns a writer that does not garble the prompt.
func (c *console) Stdout() io.Writer { return c.out }

func (c *console) close() {
	if c.srv != nil {
		c.srv.Observations().Unsubscribe(c.notifyHandle)
	}
	if c.rl != nil {
		c.rl.Close()
	}
}

// run reads commands until quit, EOF or ctx ends.
func (c *console) run(ctx context.Context, cancel context.CancelFunc) {
	c.printHelp()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
		if !c.exec(ctx, line) {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// exec runs one command line. It returns false when the operator quits.
func (c *console) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "list", "ls":
		c.cmdList()
	case "show":
		c.cmdShow(args)
	case "read", "r":
		c.cmdRead(ctx, args)
	case "discover":
		c.cmdDiscover(ctx, args)
	case "write", "w":
		c.cmdWrite(ctx, args)
	case "exec", "x":
		c.cmdExecute(ctx, args)
	case "delete":
		c.cmdDelete(ctx, args)
	case "observe", "o":
		c.cmdObserve(ctx, args)
	case "cancel":
		c.cmdCancel(ctx, args)
	case "observations", "obs":
		c.cmdObservations(args)
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, `
LwM2M Server Commands:
  Registrations:
    list                          - List registered devices
    show <endpoint>               - Show registration details

  Device Management:
    read <endpoint> <path>        - Read a resource, instance or object
    discover <endpoint> <path>    - List attributes and resources
    write <endpoint> <path> <val> - Replace a single resource value
    exec <endpoint> <path> [args] - Execute a resource
    delete <endpoint> <path>      - Delete an object instance

  Observations:
    observe <endpoint> <path>     - Start observing a path
    cancel <endpoint> <path>      - Cancel an observation (--active to tell the device)
    observations [endpoint]       - List active observations

  General:
    help                          - Show this help
    quit                          - Stop the server

  Path Format:
    /object[/instance[/resource[/resource-instance]]] - e.g., /3/0/0`)
}

func (c *console) cmdList() {
	regs := c.srv.Registrations().All()
	if len(regs) == 0 {
		fmt.Fprintln(c.out, "No registered devices")
		return
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Endpoint < regs[j].Endpoint })
	fmt.Fprintf(c.out, "%-24s %-12s %-8s %-10s %s\n", "ENDPOINT", "ID", "BINDING", "LIFETIME", "PRESENCE")
	for _, reg := range regs {
		presence := "-"
		if reg.IsQueueMode() {
			presence = c.srv.Presence().State(reg.ID).String()
		}
		fmt.Fprintf(c.out, "%-24s %-12s %-8s %-10s %s\n",
			reg.Endpoint, shortenID(reg.ID), reg.Binding, reg.Lifetime, presence)
	}
}

func (c *console) cmdShow(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: show <endpoint>")
		return
	}
	reg, ok := c.lookup(args[0])
	if !ok {
		return
	}
	fmt.Fprintf(c.out, "Endpoint:     %s\n", reg.Endpoint)
	fmt.Fprintf(c.out, "ID:           %s\n", reg.ID)
	fmt.Fprintf(c.out, "Address:      %s\n", reg.Address)
	fmt.Fprintf(c.out, "Binding:      %s\n", reg.Binding)
	fmt.Fprintf(c.out, "Lifetime:     %s (expires %s)\n", reg.Lifetime, reg.ExpiresAt().Format(time.RFC3339))
	if reg.LwM2MVersion != "" {
		fmt.Fprintf(c.out, "Version:      %s\n", reg.LwM2MVersion)
	}
	if reg.Identity != "" {
		fmt.Fprintf(c.out, "Identity:     %s\n", reg.Identity)
	}
	fmt.Fprintf(c.out, "Registered:   %s\n", reg.RegisteredAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "Last update:  %s\n", reg.LastUpdate.Format(time.RFC3339))
	if len(reg.Links) > 0 {
		fmt.Fprintln(c.out, "Objects:")
		for _, l := range reg.Links {
			fmt.Fprintf(c.out, "  %s\n", l.String())
		}
	}
}

func (c *console) cmdRead(ctx context.Context, args []string) {
	reg, path, ok := c.target("read", args)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, consoleTimeout)
	defer cancel()
	resp, err := c.srv.Read(ctx, reg.ID, path)
	c.printResponse(resp, err)
}

func (c *console) cmdDiscover(ctx context.Context, args []string) {
	reg, path, ok := c.target("discover", args)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, consoleTimeout)
	defer cancel()
	resp, err := c.srv.Discover(ctx, reg.ID, path)
	c.printResponse(resp, err)
}

func (c *console) cmdWrite(ctx context.Context, args []string) {
	if len(args) < 3 {
		fmt.Fprintln(c.out, "Usage: write <endpoint> <path> <value>")
		fmt.Fprintln(c.out, "  Example: write dev-1 /1/0/1 600")
		return
	}
	reg, path, ok := c.target("write", args[:2])
	if !ok {
		return
	}
	if !path.IsResource() {
		fmt.Fprintln(c.out, "Error: write needs a resource path")
		return
	}
	value := parseValue(strings.Join(args[2:], " "))

	ctx, cancel := context.WithTimeout(ctx, consoleTimeout)
	defer cancel()
	resp, err := c.srv.Write(ctx, reg.ID, server.WriteReplace, codec.Single(path, value))
	c.printResponse(resp, err)
}

func (c *console) cmdExecute(ctx context.Context, args []string) {
	reg, path, ok := c.target("exec", args)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, consoleTimeout)
	defer cancel()
	resp, err := c.srv.Execute(ctx, reg.ID, path, strings.Join(args[2:], " "))
	c.printResponse(resp, err)
}

func (c *console) cmdDelete(ctx context.Context, args []string) {
	reg, path, ok := c.target("delete", args)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, consoleTimeout)
	defer cancel()
	resp, err := c.srv.Delete(ctx, reg.ID, path)
	c.printResponse(resp, err)
}

func (c *console) cmdObserve(ctx context.Context, args []string) {
	reg, path, ok := c.target("observe", args)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, consoleTimeout)
	defer cancel()
	resp, err := c.srv.Observe(ctx, reg.ID, path)
	if err != nil || resp == nil {
		c.printResponse(nil, err)
		return
	}
	c.printResponse(resp.Response, nil)
	if resp.Observation != nil {
		fmt.Fprintf(c.out, "Observing %s on %s (id %s)\n", path, reg.Endpoint, shortenID(resp.Observation.ID))
	}
}

func (c *console) cmdCancel(ctx context.Context, args []string) {
	active := false
	var rest []string
	for _, a := range args {
		if a == "--active" {
			active = true
			continue
		}
		rest = append(rest, a)
	}
	reg, path, ok := c.target("cancel", rest)
	if !ok {
		return
	}

	if !active {
		obs, err := c.srv.CancelObservePassive(reg.ID, path)
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintf(c.out, "Cancelled observation %s\n", shortenID(obs.ID))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, consoleTimeout)
	defer cancel()
	resp, err := c.srv.CancelObserveActive(ctx, reg.ID, path)
	c.printResponse(resp, err)
}

func (c *console) cmdObservations(args []string) {
	var regs []*registration.Registration
	if len(args) > 0 {
		reg, ok := c.lookup(args[0])
		if !ok {
			return
		}
		regs = append(regs, reg)
	} else {
		regs = c.srv.Registrations().All()
	}

	count := 0
	for _, reg := range regs {
		for _, obs := range c.srv.ObservationsOf(reg.ID) {
			fmt.Fprintf(c.out, "  %s %s %s (since %s)\n",
				shortenID(obs.ID), reg.Endpoint, obs.Path, obs.CreatedAt.Format(time.RFC3339))
			count++
		}
	}
	if count == 0 {
		fmt.Fprintln(c.out, "No active observations")
	}
}

func (c *console) printNotification(e observation.Event) {
	n := e.Notification
	if n == nil {
		return
	}
	endpoint := n.Observation.RegistrationID
	if reg, err := c.srv.Registrations().Get(n.Observation.RegistrationID); err == nil {
		endpoint = reg.Endpoint
	}
	if v, ok := n.Current(); ok {
		fmt.Fprintf(c.out, "[notify] %s %s = %s (seq %d)\n", endpoint, n.Observation.Path, v, n.Sequence)
	} else {
		fmt.Fprintf(c.out, "[notify] %s %s (seq %d, empty)\n", endpoint, n.Observation.Path, n.Sequence)
	}
}

// lookup resolves an endpoint name, printing the error when it is unknown.
func (c *console) lookup(endpoint string) (*registration.Registration, bool) {
	reg, err := c.srv.Registrations().GetByEndpoint(endpoint)
	if err != nil {
		fmt.Fprintf(c.out, "Unknown endpoint: %s\n", endpoint)
		return nil, false
	}
	return reg, true
}

// target parses "<endpoint> <path>" arguments.
func (c *console) target(cmd string, args []string) (*registration.Registration, wire.Path, bool) {
	if len(args) < 2 {
		fmt.Fprintf(c.out, "Usage: %s <endpoint> <path>\n", cmd)
		return nil, wire.Path{}, false
	}
	path, err := wire.ParsePath(args[1])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid path: %v\n", err)
		return nil, wire.Path{}, false
	}
	reg, ok := c.lookup(args[0])
	if !ok {
		return nil, wire.Path{}, false
	}
	return reg, path, true
}

func (c *console) printResponse(resp *server.Response, err error) {
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if resp == nil {
		fmt.Fprintln(c.out, "No response")
		return
	}
	fmt.Fprintf(c.out, "%s (%s)\n", resp.Status.String(), resp.Status.Code())
	if resp.Location != "" {
		fmt.Fprintf(c.out, "  Location: %s\n", resp.Location)
	}
	if resp.HasContent {
		for _, r := range resp.Content.Records {
			if r.Time.IsZero() {
				fmt.Fprintf(c.out, "  %s = %s\n", r.Path, r.Value)
			} else {
				fmt.Fprintf(c.out, "  %s = %s @ %s\n", r.Path, r.Value, r.Time.Format(time.RFC3339))
			}
		}
	}
	for _, l := range resp.Links {
		fmt.Fprintf(c.out, "  %s\n", l.String())
	}
}

// parseValue picks the narrowest type the text fits.
func parseValue(s string) codec.Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return codec.IntValue(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return codec.FloatValue(f)
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return codec.BoolValue(b)
	}
	if l, err := codec.ParseObjectLink(s); err == nil && strings.Contains(s, ":") {
		return codec.LinkValue(l)
	}
	return codec.StringValue(strings.Trim(s, `"`))
}

func shortenID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
