package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/peterje/termbridge/internal/bridge"
)

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List terminal sessions running on the host",
		Args:  cobra.NoArgs,
		RunE:  runLs,
	}
	cmd.Flags().String("url", "", "host base URL (default http://localhost:12332)")
	return cmd
}

func runLs(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, map[string]string{"bridge.baseURL": "url"})
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}

	b, err := bridge.New(bridge.Config{BaseURL: cfg.Bridge.BaseURL, Token: cfg.Bridge.Token}, log)
	if err != nil {
		return err
	}
	ids, err := b.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSNAPSHOT")
	for _, id := range ids {
		size := "-"
		if snap, err := b.Load(cmd.Context(), id); err == nil && snap != nil {
			size = fmt.Sprintf("%dx%d", snap.Cols, snap.Rows)
		}
		fmt.Fprintf(w, "%s\t%s\n", id, size)
	}
	return w.Flush()
}
