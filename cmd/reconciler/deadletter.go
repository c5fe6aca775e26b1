package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
)

func newDeadLetterCmd(a *app) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dl"},
		Short:   "Inspect and replay messages the consumer could not reconcile",
		Long: `deadletter works on the store directly when no reconciler is running.
While serve holds the store, the same operations go through its HTTP API
(server.http_addr, or --server).`,
	}
	cmd.PersistentFlags().StringVar(&server, "server", "", "base URL of a running reconciler, e.g. http://127.0.0.1:8080")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored dead letters, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := a.deadLetters(server)
			if err != nil {
				return err
			}
			defer b.Close()
			items, err := b.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			renderDeadLetters(cmd.OutOrStdout(), items)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "maximum entries to show (0 for all)")

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Print one dead letter as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.deadLetters(server)
			if err != nil {
				return err
			}
			defer b.Close()
			d, err := b.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(deadLetterView{DeadLetter: d, Body: string(d.Body)})
		},
	}

	replay := &cobra.Command{
		Use:   "replay ID...",
		Short: "Run stored messages through the workflows again",
		Long: `replay dispatches each dead letter exactly as the consumer would. A
successful replay removes the entry; a failed one keeps it with the new error
and an incremented attempt count.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.deadLetters(server)
			if err != nil {
				return err
			}
			defer b.Close()

			var failed int
			for _, id := range args {
				result, err := b.Replay(cmd.Context(), id)
				if err != nil {
					failed++
					a.logger.Error("replay failed", zap.String("id", id), zap.Error(err))
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tfailed\t%v\n", id, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, result)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d replays failed", failed, len(args))
			}
			return nil
		},
	}

	var all bool
	purge := &cobra.Command{
		Use:   "purge [ID...]",
		Short: "Delete dead letters without replaying them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("pass either IDs or --all")
			}
			b, err := a.deadLetters(server)
			if err != nil {
				return err
			}
			defer b.Close()
			ids := args
			if all {
				items, err := b.List(cmd.Context(), 0)
				if err != nil {
					return err
				}
				for _, d := range items {
					ids = append(ids, d.ID)
				}
			}
			for _, id := range ids {
				if err := b.Delete(cmd.Context(), id); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d dead letters\n", len(ids))
			return nil
		},
	}
	purge.Flags().BoolVar(&all, "all", false, "delete every stored dead letter")

	cmd.AddCommand(list, show, replay, purge)
	return cmd
}

// deadLetterView shows the raw message as text rather than base64.
type deadLetterView struct {
	*models.DeadLetter
	Body string `json:"body"`
}

func renderDeadLetters(w io.Writer, items []*models.DeadLetter) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"ID", "Event", "Instance", "Attempts", "Updated", "Error"})
	for _, d := range items {
		t.AppendRow(table.Row{d.ID, d.EventType, d.InstanceID, d.Attempts, d.UpdatedAt.Format(time.RFC3339), d.Error})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, WidthMax: 60},
	})
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	t.Render()
}
