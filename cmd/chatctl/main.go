package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/worldchat/internal/rpc"
	"github.com/matheus3301/worldchat/internal/session"
	"github.com/spf13/cobra"
)

type globalOpts struct {
	session string
	jsonOut bool
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	g := &globalOpts{}
	cmd := &cobra.Command{
		Use:           "chatctl",
		Short:         "Control a worldchat session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.session, "session", "", "session name (overrides config default)")
	cmd.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "output in JSON format")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(newStatusCmd(g))
	cmd.AddCommand(newSessionsCmd(g))
	cmd.AddCommand(newConversationsCmd(g))
	cmd.AddCommand(newMessagesCmd(g))
	cmd.AddCommand(newSearchCmd(g))
	cmd.AddCommand(newSendCmd(g))
	cmd.AddCommand(newSendImageCmd(g))
	cmd.AddCommand(newReadCmd(g))
	cmd.AddCommand(newWatchCmd(g))
	cmd.AddCommand(newEventsCmd(g))
	cmd.AddCommand(newOutboxCmd(g))
	return cmd
}

func (g *globalOpts) dial() (*rpc.Client, error) {
	name, err := session.Resolve(g.session)
	if err != nil {
		return nil, err
	}
	c, err := rpc.Dial(session.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	return c, nil
}

// call runs fn against the daemon with the request timeout.
func (g *globalOpts) call(cmd *cobra.Command, fn func(ctx context.Context, c *rpc.Client) error) error {
	c, err := g.dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()
	return fn(ctx, c)
}

// stream runs fn until interrupted.
func (g *globalOpts) stream(cmd *cobra.Command, fn func(ctx context.Context, c *rpc.Client) error) error {
	c, err := g.dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = fn(ctx, c)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// print writes v as JSON when --json is set, otherwise calls text.
func (g *globalOpts) print(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	out := cmd.OutOrStdout()
	if g.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(out)
	return nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
