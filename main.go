package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chatsync/config"
	"chatsync/models"
	"chatsync/storage"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Realtime chat and call client",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCommand(), newConversationsCommand(), newCallsCommand())
	return root
}

// openStore loads the config and opens the local cache next to it.
func openStore() (*config.ClientConfig, *storage.Store, string, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, nil, "", fmt.Errorf("load config: %w", err)
	}
	store, dbPath, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return nil, nil, "", fmt.Errorf("open database: %w", err)
	}
	return cfg, store, dbPath, nil
}

func newConversationsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List cached conversation summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			conversations, err := store.ListConversations()
			if err != nil {
				return err
			}
			if len(conversations) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cached conversations.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "TARGET\tNAME\tUNREAD\tLAST MESSAGE\tWHEN")
			for _, c := range conversations {
				when := "-"
				if !c.LastMessageTime.IsZero() {
					when = humanize.Time(c.LastMessageTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					c.Target, c.Name, humanize.Comma(int64(c.UnreadCount)), c.LastMessagePreview, when)
			}
			return w.Flush()
		},
	}
}

func newCallsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "List local call history",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			calls, err := store.ListCalls(limit)
			if err != nil {
				return err
			}
			if len(calls) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No calls yet.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tPEER\tDIRECTION\tMEDIA\tOUTCOME\tDURATION")
			for _, c := range calls {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(c.StartedAt), c.PeerID, c.Direction, c.MediaKind, c.Outcome, c.Duration.Round(time.Second))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of calls to show")
	return cmd
}

// parseTarget accepts "group:<id>", "direct:<id>" or a bare user ID.
func parseTarget(raw string) (models.Target, error) {
	raw = strings.TrimSpace(raw)
	kind, id, found := strings.Cut(raw, ":")
	if !found {
		return models.Direct(raw), nil
	}
	switch models.ConversationKind(kind) {
	case models.KindGroup:
		return models.Group(id), nil
	case models.KindDirect:
		return models.Direct(id), nil
	default:
		return models.Target{}, fmt.Errorf("unknown conversation kind %q", kind)
	}
}
