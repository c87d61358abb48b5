package main

import (
	"context"
	"fmt"
	"io"

	"github.com/matheus3301/worldchat/internal/lock"
	"github.com/matheus3301/worldchat/internal/rpc"
	"github.com/matheus3301/worldchat/internal/session"
	"github.com/spf13/cobra"
)

func newStatusCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection state, cache counts and outbox size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) error {
				st, err := c.GetSyncStatus(ctx, &rpc.GetSyncStatusRequest{})
				if err != nil {
					return err
				}
				return g.print(cmd, st, func(w io.Writer) { formatStatus(w, st) })
			})
		},
	}
}

type sessionInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
}

func newSessionsCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List known sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := session.List()
			if err != nil {
				return err
			}
			infos := make([]sessionInfo, 0, len(names))
			for _, n := range names {
				infos = append(infos, sessionInfo{Name: n, Path: session.Dir(n), Running: lock.Held(session.Dir(n))})
			}
			return g.print(cmd, infos, func(w io.Writer) {
				if len(infos) == 0 {
					fmt.Fprintln(w, "No sessions found.")
					return
				}
				for _, s := range infos {
					state := "stopped"
					if s.Running {
						state = "running"
					}
					fmt.Fprintf(w, "%-20s %s (%s)\n", s.Name, s.Path, state)
				}
			})
		},
	}
}
