package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/quantchat/internal/turn"
)

const chatHelp = `Commands:
  /upload <file>...  upload files for analysis
  /files             list uploaded files
  /status            show session status
  /help              show this help
  /quit              leave the chat
Anything else is sent to the analysis service.
`

func newChatCmd() *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			return runChat(cmd.Context(), a, files, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "File to upload before the first prompt (repeatable)")
	return cmd
}

// lineReader wraps liner with a persistent history file.
type lineReader struct {
	line        *liner.State
	historyFile string
}

func newLineReader() *lineReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	r := &lineReader{line: line}
	if home, err := os.UserHomeDir(); err == nil {
		r.historyFile = filepath.Join(home, ".quantchat", "history")
		if f, err := os.Open(r.historyFile); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
	}
	return r
}

func (r *lineReader) Read(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

func (r *lineReader) Close() {
	if r.historyFile != "" {
		if err := os.MkdirAll(filepath.Dir(r.historyFile), 0700); err == nil {
			if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
				_, _ = r.line.WriteHistory(f)
				f.Close()
			}
		}
	}
	r.line.Close()
}

func runChat(ctx context.Context, a *app, files []string, out io.Writer) error {
	r := newRenderer(out)

	// Print the existing log before going live. From then on prompts typed
	// here are already on screen.
	history, err := a.log.Messages(ctx)
	if err != nil {
		return err
	}
	r.Render(history)
	r.hideUser = true

	unsubscribe, err := a.log.Subscribe(ctx, r.Render)
	if err != nil {
		return err
	}
	defer unsubscribe()

	sess, err := a.newSession(turn.WithStatusListener(func(st turn.Status, err error) {
		if st == turn.StatusError && err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		}
	}))
	if err != nil {
		return err
	}
	defer sess.Close()

	if len(files) > 0 {
		uploadPaths(ctx, sess, files, out)
	}

	fmt.Fprintf(out, "Session %s. Type /help for commands.\n", a.log.SessionID())

	input := newLineReader()
	defer input.Close()

	for {
		line, err := input.Read("quantchat> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if !handleSlashCommand(ctx, sess, line, out) {
				return nil
			}
			continue
		}

		turnCtx, stop := interruptible(ctx)
		err = sess.Send(turnCtx, line)
		stop()

		var ve *turn.ValidationError
		switch {
		case err == nil:
		case errors.As(err, &ve):
			fmt.Fprintf(out, "%v\n", ve)
		case errors.Is(err, context.Canceled):
			fmt.Fprintln(out, "[cancelled]")
		default:
			// Transport failures are already in the log.
			if sess.Status() != turn.StatusError {
				fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			}
		}
	}
}

// handleSlashCommand returns false when the chat should end.
func handleSlashCommand(ctx context.Context, sess *turn.Session, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return false
	case "/help":
		fmt.Fprint(out, chatHelp)
	case "/files":
		fmt.Fprint(out, formatIndex(sess.Index()))
	case "/status":
		fmt.Fprintf(out, "status: %s, files: %d\n", sess.Status(), sess.Index().Len())
	case "/upload":
		if len(fields) < 2 {
			fmt.Fprintln(out, "usage: /upload <file>...")
			return true
		}
		uploadPaths(ctx, sess, fields[1:], out)
	default:
		fmt.Fprintf(out, "unknown command %s, try /help\n", fields[0])
	}
	return true
}
