package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohans/asyncchat/notes"
	"github.com/mohans/asyncchat/sqlitedb"
)

var (
	notesType  string
	notesTags  []string
	notesDate  string
	notesLimit int
)

var notesCmd = &cobra.Command{
	Use:   "notes [keyword]",
	Short: "Search consolidated notes",
	Long: `Search the notes written by consolidation runs, newest first.

Examples:
  asyncchat notes
  asyncchat notes coffee
  asyncchat notes --type profile
  asyncchat notes --date 2026-03-14 --tag work`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNotes,
}

func init() {
	notesCmd.Flags().StringVarP(&notesType, "type", "t", "", "filter by type (activity, event, profile)")
	notesCmd.Flags().StringSliceVar(&notesTags, "tag", nil, "filter by tags (any may match)")
	notesCmd.Flags().StringVarP(&notesDate, "date", "d", "", "filter by day (YYYY-MM-DD)")
	notesCmd.Flags().IntVarP(&notesLimit, "limit", "n", 20, "max entries")
}

func runNotes(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	q := notes.Query{
		Type:  notes.Type(notesType),
		Tags:  notesTags,
		Date:  notesDate,
		Limit: notesLimit,
	}
	if len(args) == 1 {
		q.Keyword = args[0]
	}
	if q.Type != "" && !q.Type.Valid() {
		return fmt.Errorf("unknown note type %q", notesType)
	}

	db, err := sqlitedb.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()
	store := notes.NewStore(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	entries, err := store.Search(ctx, q)
	if err != nil {
		return fmt.Errorf("search notes: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No notes found")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "#%d %s [%s]", e.ID, e.Date, e.Type)
		if len(e.Tags) > 0 {
			fmt.Fprintf(out, " %s", strings.Join(e.Tags, ", "))
		}
		fmt.Fprintf(out, "\n%s\n\n", strings.TrimSpace(e.Content))
	}
	return nil
}
