package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"askbridge/internal/apierr"
	"askbridge/internal/cookies"
	"askbridge/internal/credstore"
	"askbridge/internal/render"

	"github.com/spf13/cobra"
)

func profilesCMD(opts *rootOptions) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "profiles",
		Short: "Manage stored credential profiles",
	}
	cmd.AddCommand(
		profilesListCMD(opts),
		profilesShowCMD(opts),
		profilesDeleteCMD(opts),
		profilesImportCMD(opts),
	)
	return cmd
}

func (o *rootOptions) openStore(cmd *cobra.Command) (credstore.Store, error) {
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	return openStore(cmd.Context(), o.cfg.Store)
}

func profilesListCMD(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles sorted by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			profiles, err := credstore.LoadAll(cmd.Context(), store, opts.log)
			if err != nil {
				return err
			}
			format, err := opts.outputFormat()
			if err != nil {
				return apierr.Wrap(apierr.KindInvalidParameter, "cli.format", err)
			}
			return writeProfiles(cmd.OutOrStdout(), profiles, format)
		},
	}
}

func writeProfiles(w io.Writer, profiles []*credstore.Profile, format render.Format) error {
	if format == render.FormatJSON {
		type row struct {
			Name     string    `json:"name"`
			Tokens   int       `json:"tokens"`
			Session  bool      `json:"has_session"`
			Origin   string    `json:"origin,omitempty"`
			LastUsed time.Time `json:"last_used"`
		}
		rows := make([]row, 0, len(profiles))
		for _, p := range profiles {
			rows = append(rows, row{p.Name, p.Tokens.Len(), p.Tokens.HasSession(), string(p.Tokens.Origin), p.LastUsed})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	if len(profiles) == 0 {
		_, err := fmt.Fprintln(w, "no profiles stored")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTOKENS\tSESSION\tORIGIN\tLAST USED")
	for _, p := range profiles {
		last := "never"
		if !p.LastUsed.IsZero() {
			last = p.LastUsed.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%d\t%t\t%s\t%s\n", p.Name, p.Tokens.Len(), p.Tokens.HasSession(), p.Tokens.Origin, last)
	}
	return tw.Flush()
}

func profilesShowCMD(opts *rootOptions) *cobra.Command {
	var reveal bool
	var cmd = &cobra.Command{
		Use:   "show <name>",
		Short: "Show the token names of a profile, values masked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			p, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "profile %s (%d tokens, origin %s)\n", p.Name, p.Tokens.Len(), p.Tokens.Origin)
			for _, n := range p.Tokens.Names() {
				v, _ := p.Tokens.Get(n)
				if !reveal {
					v = cookies.Mask(v)
				}
				fmt.Fprintf(w, "  %s = %s\n", n, v)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print raw values")
	return cmd
}

func profilesDeleteCMD(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
			return nil
		},
	}
}

func profilesImportCMD(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <name> <cookies.json>",
		Short: "Store cookies exported from a browser as a profile",
		Long: `Import a cookie export (an array of {name, value, domain} objects or a flat
name to value map). Cookies for other domains are dropped.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, path := args[0], args[1]
			if err := credstore.ValidateName(name); err != nil {
				return err
			}
			ts, err := cookies.ParseFile(path, cookies.OriginManual, opts.cfg.Target.Domain())
			if err != nil {
				return err
			}
			if !ts.HasSession() {
				opts.log.WithField("profile", name).Warn("imported cookies carry no session token")
			}
			store, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			if err := store.Save(cmd.Context(), name, ts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d tokens into %s\n", ts.Len(), name)
			return nil
		},
	}
}
