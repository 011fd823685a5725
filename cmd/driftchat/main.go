// driftchat is a terminal client for the relay: it establishes a chat
// session, sends turns, and renders the streamed reply frames.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/autosnap/drift-relay/internal/chatclient"
	"github.com/autosnap/drift-relay/internal/logger"
	"github.com/autosnap/drift-relay/internal/reframe"
	"github.com/spf13/cobra"
)

var (
	relayURL string
	stateDir string
	logLevel string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "driftchat",
		Short: "Interactive client for the Drift chat relay",
		Long: "driftchat connects to a running relay, establishes a durable chat session,\n" +
			"and lets you drive showroom workflows from the terminal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVar(&relayURL, "relay-url", "http://localhost:3001", "base URL of the relay")
	cmd.Flags().StringVar(&stateDir, "state-dir", defaultStateDir(), "directory for session state")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	return cmd
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".driftchat"
	}
	return filepath.Join(home, ".driftchat")
}

func runChat(ctx context.Context) error {
	log := logger.New(logger.FromConfig(logLevel, "text"))

	store, err := chatclient.NewFileStore(stateDir)
	if err != nil {
		return fmt.Errorf("opening state dir: %w", err)
	}

	var pendingForm bool
	session := chatclient.NewSession(chatclient.Options{
		RelayURL: relayURL,
		Store:    store,
		Logger:   log,
		OnTool: func(tool reframe.ToolInvocation) {
			pendingForm = true
		},
	})

	data, err := session.EnsureSession(ctx)
	if err != nil {
		return fmt.Errorf("establishing session: %w", err)
	}
	log.Info("session ready", slog.String("session_id", data.Identifier()))

	if history := session.Messages(); len(history) > 0 {
		fmt.Printf("Resuming conversation %d (%d messages)\n\n", session.ConversationID(), len(history))
		for _, msg := range history {
			printMessage(msg.Role, msg.Content)
		}
	} else {
		fmt.Println("Connected. Type a message, /state for workflow progress, /quit to exit.")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if pendingForm {
			pendingForm = false
			answer, ok := collectForm(scanner)
			if !ok {
				return nil
			}
			if answer != "" {
				if err := sendAndPrint(ctx, session, answer); err != nil {
					fmt.Fprintln(os.Stderr, "error:", err)
				}
			}
			continue
		}

		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/state":
			printState(session)
			continue
		}

		if err := sendAndPrint(ctx, session, line); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func sendAndPrint(ctx context.Context, session *chatclient.Session, text string) error {
	if err := session.SendTurn(ctx, text); err != nil {
		if errors.Is(err, chatclient.ErrTurnInFlight) {
			return errors.New("still waiting on the previous reply")
		}
		if msg := session.Err(); msg != "" {
			return errors.New(msg)
		}
		return err
	}

	messages := session.Messages()
	if len(messages) > 0 {
		last := messages[len(messages)-1]
		if last.Role == "assistant" {
			printMessage(last.Role, last.Content)
		}
	}
	return nil
}

// collectForm gathers "field: value" lines until a blank line, then
// renders them in the channel format the backend parses.
func collectForm(scanner *bufio.Scanner) (string, bool) {
	fmt.Println("Form requested. Enter one \"field: value\" per line, blank line to submit.")

	values := map[string]interface{}{}
	for {
		fmt.Print("form> ")
		if !scanner.Scan() {
			return "", false
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			fmt.Println("expected \"field: value\"")
			continue
		}
		values[strings.TrimSpace(field)] = strings.TrimSpace(value)
	}

	if len(values) == 0 {
		fmt.Println("Form skipped.")
		return "", true
	}
	return chatclient.FormatFormData(values), true
}

func printMessage(role, content string) {
	switch role {
	case "assistant":
		fmt.Printf("\nassistant: %s\n\n", content)
	default:
		fmt.Printf("%s: %s\n", role, content)
	}
}

func printState(session *chatclient.Session) {
	fmt.Printf("state: %s  conversation: %d  workflow: %d (%s)\n",
		session.State(), session.ConversationID(), session.WorkflowID(), session.WorkflowStatus())
	if field := session.CurrentField(); field != "" {
		fmt.Printf("next field: %s\n", field)
	}
	if collected := session.CollectedData(); len(collected) > 0 {
		fmt.Println("collected:")
		fmt.Print(indent(chatclient.FormatFormData(collected)))
	}
}

func indent(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		b.WriteString("  " + line + "\n")
	}
	return b.String()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "driftchat:", err)
		os.Exit(1)
	}
}
