package main

import (
	"fmt"
	"strings"

	"askbridge/internal/apierr"
	"askbridge/internal/bridge"
	"askbridge/internal/browser"
	"askbridge/internal/cookies"
	"askbridge/internal/credstore"
	"askbridge/internal/session"

	"github.com/spf13/cobra"
)

func browserCMD(opts *rootOptions) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "browser",
		Short: "Drive a real browser: ask through the UI, log in, or pull cookies",
	}
	cmd.AddCommand(browserAskCMD(opts), browserLoginCMD(opts), browserExtractCMD(opts))
	return cmd
}

func browserAskCMD(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ask [question...]",
		Short: "Ask through the chat UI, skipping the HTTP path",
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
			a, err := newApp(ctx, opts.cfg, opts.log, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			if !a.browserAvailable() {
				return apierr.New(apierr.KindInvalidParameter, "cli.browser", "browser automation disabled")
			}

			res, err := a.service.Ask(ctx, bridge.AskRequest{Query: q, Options: qopts, Profile: opts.profile, BrowserOnly: true})
			if err != nil {
				return err
			}
			if res.ScreenshotPath != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "screenshot:", res.ScreenshotPath)
			}
			if res.ExportPath != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "export:", res.ExportPath)
			}
			return writeResult(cmd.OutOrStdout(), res, string(qopts.Mode), format)
		},
	}
}

func browserLoginCMD(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open a visible browser, log in by hand and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !browser.TerminalAvailable() {
				return apierr.New(apierr.KindInvalidParameter, "cli.login", "login needs an interactive terminal")
			}
			store, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			login := &browser.InteractiveLogin{
				Target:  opts.cfg.Target,
				Browser: opts.cfg.Browser,
				Prompt:  cmd.ErrOrStderr(),
				Input:   cmd.InOrStdin(),
				Log:     opts.log,
			}
			ts, _, err := login.Login(ctx)
			if err != nil {
				return err
			}
			return saveProfile(cmd, store, profileOr(opts.profile, session.AutomationProfile), ts)
		},
	}
}

func browserExtractCMD(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "extract [browser]",
		Short: "Copy target cookies out of an installed browser profile",
		Long: `Open the named browser's own profile headless and copy the target site's
cookies into a credential profile. The browser must not be running. Without an
argument the configured browsers are tried in order.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			names := opts.cfg.Session.Browsers
			if len(args) == 1 {
				names = args
			}
			x := &browser.CookieExtractor{Domain: opts.cfg.Target.Domain(), Log: opts.log}
			var errs []string
			for _, name := range names {
				ts, err := x.Extract(cmd.Context(), name)
				if err != nil {
					errs = append(errs, fmt.Sprintf("%s: %v", name, err))
					continue
				}
				return saveProfile(cmd, store, profileOr(opts.profile, session.AutoProfilePrefix+name), ts)
			}
			return apierr.Newf(apierr.KindNoSession, "cli.extract", "no browser yielded cookies: %s", strings.Join(errs, "; "))
		},
	}
}

func saveProfile(cmd *cobra.Command, store credstore.Store, name string, ts cookies.TokenSet) error {
	if ts.Empty() {
		return apierr.New(apierr.KindNoSession, "cli.save", "no cookies captured")
	}
	if err := store.Save(cmd.Context(), name, ts); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %d tokens in profile %s (session token: %t)\n", ts.Len(), name, ts.HasSession())
	return nil
}

func profileOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
