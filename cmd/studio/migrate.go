package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tesslate/studio/pkg/config"
	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database schema migrations",
	Long: `Apply pending schema migrations to the studio database.

The server applies migrations on startup too; this command exists for
operators who want to run them separately, with a backup, before
rolling a new build out. Migrations are forward-only.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringP("config", "c", "", "Path to config file")
	migrateCmd.Flags().String("data-dir", "", "Override the data directory")
	migrateCmd.Flags().Bool("dry-run", false, "Show pending migrations without applying them")
	migrateCmd.Flags().String("backup", "", "Backup path for the database (default: <data-dir>/studio.db.backup)")

	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backupPath, _ := cmd.Flags().GetString("backup")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	dataDir := cfg.DataDir
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		dataDir = v
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	current, err := storage.InspectSchemaVersion(dataDir)
	if err != nil {
		return err
	}
	pending := storage.PendingMigrations(current)

	fmt.Printf("Database: %s\n", filepath.Join(dataDir, "studio.db"))
	fmt.Printf("Schema:   %d (build expects %d)\n", current, storage.SchemaVersion)

	if len(pending) == 0 {
		fmt.Println("✓ Schema is up to date")
		return nil
	}

	fmt.Println("Pending migrations:")
	for _, name := range pending {
		fmt.Printf("  %s\n", name)
	}
	if dryRun {
		fmt.Println("\nDry run; no changes made. Run without --dry-run to apply.")
		return nil
	}

	// Back the file up before touching it. A fresh database has
	// nothing to back up.
	dbPath := filepath.Join(dataDir, "studio.db")
	if _, err := os.Stat(dbPath); err == nil {
		if backupPath == "" {
			backupPath = dbPath + ".backup"
		}
		if err := copyFile(dbPath, backupPath); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
		fmt.Printf("✓ Backup written to %s\n", backupPath)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// Opening the store applies every pending migration.
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	version, err := store.CurrentSchemaVersion()
	if err != nil {
		return err
	}
	fmt.Printf("✓ Migrated to schema version %d\n", version)
	return nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
