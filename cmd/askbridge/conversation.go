package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"askbridge/internal/apierr"
	"askbridge/internal/bridge"
	"askbridge/internal/render"

	"github.com/spf13/cobra"
)

const conversationHelp = `Commands:
  /export [file]   write the conversation (format from --format, stdout when no file)
  /clear           start a new thread
  /history         show the number of turns so far
  /quit            leave`

func conversationCMD(opts *rootOptions) *cobra.Command {
	var cmd = &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"chat"},
		Short:   "Ask follow-up questions in one thread",
		Long:    "Read questions from stdin, one per line. Each answer keeps the thread context.\n\n" + conversationHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			qopts, err := opts.queryOptions()
			if err != nil {
				return err
			}
			format, err := opts.outputFormat()
			if err != nil {
				return apierr.Wrap(apierr.KindInvalidParameter, "cli.format", err)
			}

			ctx := cmd.Context()
			// stdin carries the questions, so no interactive login here.
			a, err := newApp(ctx, opts.cfg, opts.log, appOptions{Interactive: func() bool { return false }})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			conv := a.service.NewConversation(qopts, opts.profile)
			return runConversation(cmd, conv, cmd.InOrStdin(), string(qopts.Mode), format)
		},
	}
	return cmd
}

// runConversation is the read-ask-print loop. A failed turn is reported and
// the loop continues.
func runConversation(cmd *cobra.Command, conv *bridge.Conversation, in io.Reader, mode string, format render.Format) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	fmt.Fprintln(errOut, "conversation", conv.ID(), "(/help for commands)")
	for {
		fmt.Fprint(errOut, "> ")
		if !sc.Scan() {
			fmt.Fprintln(errOut)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			done, err := conversationCommand(conv, line, out, errOut, format)
			if err != nil {
				fmt.Fprintln(errOut, "error:", err)
			}
			if done {
				return nil
			}
			continue
		}
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		res, err := conv.Ask(cmd.Context(), line)
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			continue
		}
		if err := writeResult(out, res, mode, format); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}
}

func conversationCommand(conv *bridge.Conversation, line string, out, errOut io.Writer, format render.Format) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(errOut, conversationHelp)
	case "/clear":
		conv.Clear()
		fmt.Fprintln(errOut, "new conversation", conv.ID())
	case "/history":
		fmt.Fprintf(errOut, "%d turns\n", len(conv.Messages())/2)
	case "/export":
		if len(fields) < 2 {
			return false, conv.Export(out, format)
		}
		f, err := os.Create(fields[1])
		if err != nil {
			return false, err
		}
		if err := conv.Export(f, format); err != nil {
			f.Close()
			return false, err
		}
		if err := f.Close(); err != nil {
			return false, err
		}
		fmt.Fprintln(errOut, "exported to", fields[1])
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}
