package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/davbridge/internal/davpath"
	"github.com/tonimelisma/davbridge/internal/provider"
	"github.com/tonimelisma/davbridge/internal/webdav"
)

func newCapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "caps [path]",
		Short: "Show the methods the server allows on a path",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCaps,
	}
}

func newDfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "df",
		Short: "Show quota usage of the account",
		Args:  cobra.NoArgs,
		RunE:  runDf,
	}
}

// capsJSONOutput is the JSON output schema for the caps command.
type capsJSONOutput struct {
	Path     string   `json:"path"`
	Methods  []string `json:"methods"`
	Writable bool     `json:"writable"`
}

func runCaps(cmd *cobra.Command, args []string) error {
	p := davpath.Root()
	if len(args) > 0 {
		p = davpath.Parse(args[0])
	}

	return withSession(cmd, func(ctx context.Context, cc *CLIContext, s *AccountSession) error {
		verbs, err := s.Registry.Capabilities(ctx, s.Account, p)
		if err != nil {
			return fmt.Errorf("querying capabilities of %q: %w", p, err)
		}

		writable := webdav.Allows(verbs, "PUT") || webdav.Allows(verbs, "MKCOL")

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), capsJSONOutput{
				Path:     p.String(),
				Methods:  verbs,
				Writable: writable,
			})
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Path:     %s\n", p)
		fmt.Fprintf(cmd.OutOrStdout(), "Methods:  %s\n", strings.Join(verbs, ", "))
		fmt.Fprintf(cmd.OutOrStdout(), "Writable: %t\n", writable)

		return nil
	})
}

// dfJSONOutput is the JSON output schema for the df command.
type dfJSONOutput struct {
	Account   string `json:"account"`
	Total     int64  `json:"total"`
	Used      int64  `json:"used"`
	Available int64  `json:"available"`
}

func runDf(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, func(ctx context.Context, cc *CLIContext, s *AccountSession) error {
		c, err := s.Registry.Capacity(ctx, s.Account)
		if errors.Is(err, provider.ErrNoQuota) {
			return fmt.Errorf("server at %s does not report quota", s.Account.URL)
		}

		if err != nil {
			return fmt.Errorf("reading quota: %w", err)
		}

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), dfJSONOutput{
				Account:   s.Account.ID,
				Total:     c.Total,
				Used:      c.Used,
				Available: c.Available,
			})
		}

		printTable(cmd.OutOrStdout(),
			[]string{"ACCOUNT", "SIZE", "USED", "AVAIL", "USE%"},
			[][]string{append([]string{s.Account.ID}, formatCapacityLine(c)...)},
		)

		return nil
	})
}
