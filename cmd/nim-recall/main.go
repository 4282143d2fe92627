// Command nim-recall runs the memory-aware assistant as a server, an
// interactive chat or a memory administration tool.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/config"
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "nim-recall",
		Short: "Conversational assistant with long-term memory",
		Long: strings.TrimSpace(`nim-recall answers each message with the help of relevant memories
from earlier conversations, then remembers the new exchange.

Configuration is read from the environment and an optional .env file.`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newServeCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newMemoryCommand())
	return root
}

// withApp loads configuration, builds the app, runs fn and closes the app.
func withApp(ctx context.Context, needModel bool, fn func(*config.Config, *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, needModel)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "Error closing: %v\n", cerr)
		}
	}()
	return fn(cfg, a)
}
