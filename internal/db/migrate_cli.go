package db

import (
	"fmt"
	"io"
	"strconv"
)

// MigrateActions lists the actions RunMigrateCommand understands.
var MigrateActions = []string{"up", "down", "status", "force"}

// RunMigrateCommand opens the ledger at dbPath and applies one migrate
// action, writing a human readable report to w.
func RunMigrateCommand(w io.Writer, dbPath, action string, args []string) error {
	database, err := OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	switch action {
	case "up":
		if err := database.MigrateUp(); err != nil {
			return err
		}
		fmt.Fprintln(w, "✓ All migrations applied successfully")
	case "down":
		if err := database.MigrateDown(); err != nil {
			return err
		}
		fmt.Fprintln(w, "✓ Migration rolled back successfully")
	case "status":
	case "force":
		if len(args) < 1 {
			return fmt.Errorf("usage: migrate force <version>")
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		if err := database.MigrateForce(v); err != nil {
			return err
		}
		fmt.Fprintf(w, "✓ Forced version to %d\n", v)
	default:
		return fmt.Errorf("unknown migrate action %q (want one of %v)", action, MigrateActions)
	}

	st, err := database.GetMigrationStatus()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Current version: %d\nLatest version: %d\nDirty: %v\n", st.Current, st.Latest, st.Dirty)
	if st.Dirty {
		fmt.Fprintln(w, "⚠️  Database is in a dirty state; inspect it and run 'migrate force <version>'.")
	} else if n := st.Pending(); n > 0 {
		fmt.Fprintf(w, "Outstanding migrations: %d (run 'migrate up')\n", n)
	}
	return nil
}
