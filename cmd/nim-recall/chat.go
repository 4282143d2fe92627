package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/grpcapi"
)

const replyPrefix = "Assistant:"

// turnFunc runs one turn. onChunk may be ignored by non-streaming backends.
type turnFunc func(ctx context.Context, in core.TurnInput, onChunk func(string)) (*core.TurnResult, error)

func newChatCommand() *cobra.Command {
	var (
		remote       string
		conversation string
		message      string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		Example: strings.Join([]string{
			"  nim-recall chat",
			"  nim-recall chat --message \"what did I tell you about my trip?\"",
			"  nim-recall chat --server localhost:9090",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if conversation == "" {
				conversation = uuid.New().String()
			}

			run := func(turn turnFunc) error {
				session := &chatSession{turn: turn, conversationID: conversation, out: cmd.OutOrStdout()}
				if message != "" {
					session.handle(ctx, message)
					return nil
				}
				return interactive(ctx, session)
			}

			if remote != "" {
				client, err := grpcapi.Dial(remote)
				if err != nil {
					return err
				}
				defer client.Close()
				return run(func(ctx context.Context, in core.TurnInput, _ func(string)) (*core.TurnResult, error) {
					return client.ProcessTurn(ctx, in)
				})
			}

			return withApp(ctx, true, func(_ *config.Config, a *app) error {
				return run(a.assistant.ProcessTurnStream)
			})
		},
	}

	cmd.Flags().StringVar(&remote, "server", "", "gRPC address of a running nim-recall serve")
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "", "Conversation id to continue")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Send one message and exit")
	return cmd
}

type chatSession struct {
	turn           turnFunc
	conversationID string
	out            io.Writer
}

// handle processes one input line and reports whether the session should end.
func (s *chatSession) handle(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return false
	case "exit", "quit":
		fmt.Fprintln(s.out, "Goodbye!")
		return true
	case "/new":
		s.conversationID = uuid.New().String()
		fmt.Fprintf(s.out, "Started conversation %s\n", s.conversationID)
		return false
	}

	fmt.Fprintf(s.out, "\n%s ", replyPrefix)
	streamed := false
	res, err := s.turn(ctx, core.TurnInput{UserInput: input, ConversationID: s.conversationID}, func(chunk string) {
		streamed = true
		fmt.Fprint(s.out, chunk)
	})
	if err != nil {
		fmt.Fprintf(s.out, "Error (%s): %v\n\n", core.Kind(err), err)
		return false
	}
	if !streamed {
		fmt.Fprint(s.out, res.Response)
	}
	fmt.Fprintln(s.out)
	if res.Degraded {
		fmt.Fprintln(s.out, "(memory unavailable, answered without it)")
	}
	fmt.Fprintln(s.out)
	return false
}

func interactive(ctx context.Context, session *chatSession) error {
	fmt.Fprint(session.out, "Interactive mode (Ctrl+C to exit, /new for a fresh conversation)\n\n")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".nim_recall_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(session.out, "\nGoodbye!")
				return nil
			}
			return err
		}
		if session.handle(ctx, line) {
			return nil
		}
	}
}
