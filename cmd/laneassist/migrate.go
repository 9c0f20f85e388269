package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/lane.assist/internal/db"
)

func newMigrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <" + strings.Join(db.MigrateActions, "|") + "> [version]",
		Short:     "Manage the conversion ledger schema",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: db.MigrateActions,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.RunMigrateCommand(cmd.OutOrStdout(), g.DBPath, args[0], args[1:]); err != nil {
				return fmt.Errorf("migrate %s: %w", args[0], err)
			}
			return nil
		},
	}
}
