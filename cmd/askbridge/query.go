package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"askbridge/internal/apierr"
	"askbridge/internal/bridge"
	"askbridge/internal/render"

	"github.com/spf13/cobra"
)

func queryCMD(opts *rootOptions) *cobra.Command {
	var summary bool
	var noBrowser bool
	var cmd = &cobra.Command{
		Use:   "query [question...]",
		Short: "Ask one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := strings.TrimSpace(strings.Join(args, " "))
			qopts, err := opts.queryOptions()
			if err != nil {
				return err
			}
			format, err := opts.outputFormat()
			if err != nil {
				return apierr.Wrap(apierr.KindInvalidParameter, "cli.format", err)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg, opts.log, appOptions{NoBrowser: noBrowser})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			res, err := a.service.Ask(ctx, bridge.AskRequest{Query: q, Options: qopts, Profile: opts.profile})
			if summary {
				fmt.Fprintln(cmd.ErrOrStderr(), a.pipeline.LastLog().Summary())
			}
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), res, string(qopts.Mode), format)
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "print the connection summary to stderr")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "never fall back to browser automation")
	return cmd
}

func batchCMD(opts *rootOptions) *cobra.Command {
	var file string
	var concurrency int
	var cmd = &cobra.Command{
		Use:   "batch [question...]",
		Short: "Ask several independent questions with bounded parallelism",
		Long: `Ask several questions concurrently. Questions come from the arguments or
from --file (one per line, blank lines and # comments skipped, "-" for stdin).
A failing question is reported in place and does not stop the others.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			queries := args
			if file != "" {
				var in io.Reader = cmd.InOrStdin()
				if file != "-" {
					f, err := os.Open(file)
					if err != nil {
						return err
					}
					defer f.Close()
					in = f
				}
				fromFile, err := readQueries(in)
				if err != nil {
					return err
				}
				queries = append(queries, fromFile...)
			}
			if len(queries) == 0 {
				return apierr.New(apierr.KindInvalidParameter, "cli.batch", "no questions given")
			}
			qopts, err := opts.queryOptions()
			if err != nil {
				return err
			}
			format, err := opts.outputFormat()
			if err != nil {
				return apierr.Wrap(apierr.KindInvalidParameter, "cli.format", err)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg, opts.log, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			items := a.service.Batch(ctx, queries, bridge.BatchOptions{
				Options:     qopts,
				Profile:     opts.profile,
				Concurrency: concurrency,
			})
			if err := writeBatch(cmd.OutOrStdout(), items, string(qopts.Mode), format); err != nil {
				return err
			}
			if n := bridge.Failed(items); n > 0 {
				return fmt.Errorf("%d of %d questions failed", n, len(items))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read questions from a file, one per line")
	cmd.Flags().IntVar(&concurrency, "concurrency", bridge.DefaultBatchConcurrency, "parallel questions")
	return cmd
}

// readQueries returns the non-blank, non-comment lines of r.
func readQueries(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func writeResult(w io.Writer, res *bridge.Result, mode string, format render.Format) error {
	meta := &render.Meta{
		Mode:    mode,
		Model:   res.Answer.DisplayModel,
		Path:    res.Path,
		Profile: res.Profile,
	}
	return render.AnswerWithMeta(w, res.Query, res.Answer, meta, format)
}

func writeBatch(w io.Writer, items []bridge.BatchItem, mode string, format render.Format) error {
	if format == render.FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	for i, it := range items {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if it.Err != nil {
			fmt.Fprintf(w, "[%d] %s\nerror: %s\n", it.Index+1, it.Query, it.Error)
			continue
		}
		if err := writeResult(w, it.Result, mode, format); err != nil {
			return err
		}
	}
	return nil
}
