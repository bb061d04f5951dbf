package db

import (
	"fmt"
	"io"
	"strconv"
)

// RunMigrateCommand runs "vision-bridge migrate <action>" against the
// history database at dbPath. The schema is not initialised first; the
// migrations manage it.
func RunMigrateCommand(w io.Writer, args []string, dbPath string) error {
	if len(args) < 1 {
		PrintMigrateHelp(w)
		return fmt.Errorf("missing migrate action")
	}

	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()
	migrations := MigrationsFS()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(w, "All migrations applied")

	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(w, "Rolled back one migration")

	case "status":
		version, dirty, err := database.MigrateVersion(migrations)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		fmt.Fprintf(w, "Current version: %d\n", version)
		fmt.Fprintf(w, "Dirty: %v\n", dirty)
		if dirty {
			fmt.Fprintln(w, "A migration failed part way. Inspect the database, then run: vision-bridge migrate force <version>")
		}

	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: vision-bridge migrate force <version>")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[1])
		}
		if err := database.MigrateForce(migrations, version); err != nil {
			return err
		}
		fmt.Fprintf(w, "Migration version forced to %d\n", version)

	case "help":
		PrintMigrateHelp(w)

	default:
		PrintMigrateHelp(w)
		return fmt.Errorf("unknown migrate action: %s", action)
	}
	return nil
}

// PrintMigrateHelp writes the migrate usage to w.
func PrintMigrateHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: vision-bridge [-db-path FILE] migrate <action>

Actions:
  up              Apply all pending migrations
  down            Roll back the most recent migration
  status          Show the current version and dirty state
  force <version> Set the version without migrating (recovery only)
  help            Show this help
`)
}
