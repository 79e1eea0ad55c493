// Command chat is an interactive client for the /ws/respond endpoint.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := newChatCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newChatCmd() *cobra.Command {
	var (
		addr     string
		threadID string
		noStore  bool
	)
	cmd := &cobra.Command{
		Use:          "chat",
		Short:        "Chat with the local responses API over WebSocket",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			client := NewClient(addr, threadID, !noStore, cmd.OutOrStdout())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connected to %s\n", addr)
			fmt.Fprintln(out, "Type a message and press Enter to send.")
			fmt.Fprintln(out, "Commands: /thread to show the thread id, /quit to exit")

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()

			for {
				fmt.Fprint(out, "> ")
				var line string
				select {
				case <-ctx.Done():
					fmt.Fprintln(out, "\nInterrupted")
					return nil
				case l, ok := <-lines:
					if !ok {
						return nil
					}
					line = strings.TrimSpace(l)
				}

				switch line {
				case "":
					continue
				case "/quit":
					fmt.Fprintln(out, "Bye!")
					return nil
				case "/thread":
					fmt.Fprintln(out, client.ThreadID())
					continue
				}

				turnCtx, cancel := context.WithCancel(ctx)
				usage, err := client.Send(turnCtx, line)
				cancel()
				if err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
					continue
				}
				if usage != nil {
					fmt.Fprintf(out, "[tokens: prompt=%d completion=%d]\n", usage.PromptTokens, usage.CompletionTokens)
				}
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "ws://localhost:8080/ws/respond", "WebSocket endpoint")
	cmd.Flags().StringVar(&threadID, "thread", "", "continue an existing thread")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "do not persist messages")
	return cmd
}
