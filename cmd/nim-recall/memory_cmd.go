package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory"
)

// memoryAPI is the part of the assistant the memory commands use.
type memoryAPI interface {
	InsertMemory(ctx context.Context, req memory.InsertRequest) (string, error)
	SearchMemory(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.Match, error)
	GetStats(ctx context.Context) (*memory.Stats, error)
	Insights(ctx context.Context) (*memory.Insights, error)
	DeleteMemory(ctx context.Context, id string) error
	Export(ctx context.Context, w io.Writer) (int, error)
	Import(ctx context.Context, r io.Reader) (int, error)
}

func newMemoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage stored memories",
	}

	// Memory commands never call the model, so no API key is required.
	run := func(fn func(ctx context.Context, api memoryAPI, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(_ *config.Config, a *app) error {
				return fn(cmd.Context(), a.assistant, cmd.OutOrStdout())
			})
		}
	}

	var (
		memType    string
		importance float64
	)
	add := &cobra.Command{
		Use:     "add <content>",
		Short:   "Store a memory",
		Example: "  nim-recall memory add --type preference \"I prefer window seats\"",
		Args:    cobra.MinimumNArgs(1),
	}
	add.RunE = func(cmd *cobra.Command, args []string) error {
		var override *float64
		if cmd.Flags().Changed("importance") {
			override = &importance
		}
		return run(func(ctx context.Context, api memoryAPI, out io.Writer) error {
			return addMemory(ctx, api, out, strings.Join(args, " "), memType, override)
		})(cmd, args)
	}
	add.Flags().StringVarP(&memType, "type", "t", "", "Memory type (conversation, important_info, fact, preference, task, other)")
	add.Flags().Float64Var(&importance, "importance", 0, "Override the computed importance [0,1]")

	var k int
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Find the memories closest to a query",
		Args:  cobra.MinimumNArgs(1),
	}
	search.RunE = func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, api memoryAPI, out io.Writer) error {
			return searchMemories(ctx, api, out, strings.Join(args, " "), k)
		})(cmd, args)
	}
	search.Flags().IntVarP(&k, "limit", "k", 5, "Number of results")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show memory statistics and insights",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, api memoryAPI, out io.Writer) error {
			return printStats(ctx, api, out)
		}),
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a memory",
		Args:  cobra.ExactArgs(1),
	}
	del.RunE = func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, api memoryAPI, out io.Writer) error {
			if err := api.DeleteMemory(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "Deleted %s\n", args[0])
			return nil
		})(cmd, args)
	}

	var exportPath string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write every memory as JSON",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, api memoryAPI, out io.Writer) error {
			return exportMemories(ctx, api, out, exportPath)
		}),
	}
	export.Flags().StringVarP(&exportPath, "output", "o", "", "Output file (default stdout)")

	imp := &cobra.Command{
		Use:   "import <file>",
		Short: "Load memories from an export",
		Args:  cobra.ExactArgs(1),
	}
	imp.RunE = func(cmd *cobra.Command, args []string) error {
		return run(func(ctx context.Context, api memoryAPI, out io.Writer) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			n, err := api.Import(ctx, f)
			if err != nil {
				if n > 0 {
					fmt.Fprintf(out, "Imported %d memories before the failure\n", n)
				}
				return err
			}
			fmt.Fprintf(out, "Imported %d memories\n", n)
			return nil
		})(cmd, args)
	}

	cmd.AddCommand(add, search, stats, del, export, imp)
	return cmd
}

func addMemory(ctx context.Context, api memoryAPI, out io.Writer, content, typeName string, importance *float64) error {
	t, err := memory.ParseType(typeName)
	if err != nil {
		return err
	}
	id, err := api.InsertMemory(ctx, memory.InsertRequest{
		Content:    content,
		Type:       t,
		Importance: importance,
		Metadata:   map[string]string{memory.MetaSource: "cli"},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Stored %s memory %s\n", t, id)
	return nil
}

func searchMemories(ctx context.Context, api memoryAPI, out io.Writer, query string, k int) error {
	matches, err := api.SearchMemory(ctx, query, memory.SearchOptions{K: k})
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Fprintln(out, "No memories found.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SIMILARITY\tIMPORTANCE\tTYPE\tID\tCONTENT")
	for _, m := range matches {
		fmt.Fprintf(tw, "%.3f\t%.2f\t%s\t%s\t%s\n",
			m.Similarity, m.Record.Importance, m.Record.Type, m.Record.ID, oneLine(m.Record.Content, 60))
	}
	return tw.Flush()
}

func printStats(ctx context.Context, api memoryAPI, out io.Writer) error {
	stats, err := api.GetStats(ctx)
	if err != nil {
		return err
	}
	insights, err := api.Insights(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Memories:        %d\n", stats.Count)
	fmt.Fprintf(out, "Mean importance: %.3f (range %.2f-%.2f)\n",
		stats.MeanImportance, stats.ImportanceRange.Min, stats.ImportanceRange.Max)
	fmt.Fprintf(out, "Importance:      %d high, %d medium, %d low\n",
		insights.HighImportance, insights.MediumImportance, insights.LowImportance)
	for _, t := range memory.Types {
		if n := stats.TypeHistogram[t]; n > 0 {
			fmt.Fprintf(out, "  %-15s %d\n", t, n)
		}
	}
	if len(insights.MostImportant) > 0 {
		fmt.Fprintln(out, "Most important:")
		for _, rec := range insights.MostImportant {
			fmt.Fprintf(out, "  %s\n", rec.Format(70))
		}
	}
	return nil
}

func exportMemories(ctx context.Context, api memoryAPI, out io.Writer, path string) error {
	w := out
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	n, err := api.Export(ctx, w)
	if err != nil {
		return err
	}
	if path != "" {
		fmt.Fprintf(out, "Exported %d memories to %s\n", n, path)
	}
	return nil
}

func oneLine(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxLen {
		return string(r[:maxLen-3]) + "..."
	}
	return s
}
