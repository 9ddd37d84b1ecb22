package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetsetup/pkg/config"
	"github.com/openfroyo/fleetsetup/pkg/intake"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a fleetsetup workspace",
		Long: `Initialize a workspace with a configuration file, the data directory, the
SQLite database, an editable copy of the task catalog, a policy directory and a
blank machine list template.

Existing files are kept unless --force is given.`,
		Example: `  # Initialize in the current directory
  fleetsetup init

  # Initialize with a custom data directory and config path
  fleetsetup init --data-dir /var/lib/fleetsetup --config /etc/fleetsetup.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = defaultConfigFile
			}

			cfg := config.DefaultConfig()
			cfg.DataDir = dataDir
			cfg.Database.Path = filepath.Join(dataDir, "fleetsetup.db")
			cfg.Runner.ScriptsDir = filepath.Join(dataDir, "scripts")
			cfg.Runner.TranscriptDir = filepath.Join(dataDir, "transcripts")
			cfg.Catalog.Path = filepath.Join(dataDir, "catalog.cue")
			cfg.Catalog.Watch = true
			cfg.Policy.Dir = filepath.Join(dataDir, "policies")
			cfg.Policy.Watch = true

			log.Info().Str("config", path).Str("data_dir", dataDir).Msg("Initializing workspace")
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initializing fleetsetup workspace in %s\n\n", dataDir)

			for _, dir := range []string{dataDir, cfg.Runner.ScriptsDir, cfg.Runner.TranscriptDir, cfg.Policy.Dir} {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Fprintf(out, "✓ Created directory: %s\n", dir)
			}

			files := []struct {
				path string
				data []byte
				mode os.FileMode
				what string
			}{
				{cfg.Catalog.Path, config.DefaultCatalogSource(), 0o644, "task catalog"},
				{filepath.Join(dataDir, "machines.csv"), intake.Template(), 0o600, "machine list template"},
			}
			for _, f := range files {
				written, err := writeIfAbsent(f.path, f.data, f.mode, force)
				if err != nil {
					return err
				}
				if written {
					fmt.Fprintf(out, "✓ Wrote %s: %s\n", f.what, f.path)
				} else {
					fmt.Fprintf(out, "✓ Kept existing %s: %s\n", f.what, f.path)
				}
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}
			fmt.Fprintf(out, "✓ Initialized SQLite database: %s\n", cfg.Database.Path)

			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(out, "✓ Kept existing config file: %s\n", path)
			} else {
				if err := cfg.Save(path); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Created config file: %s\n", path)
			}

			fmt.Fprintf(out, "\nWorkspace initialized.\n\n")
			fmt.Fprintf(out, "Next steps:\n")
			fmt.Fprintf(out, "  1. Put the action scripts (<task>.ps1) in %s\n", cfg.Runner.ScriptsDir)
			fmt.Fprintf(out, "  2. Fill in %s and check it:\n", files[1].path)
			fmt.Fprintf(out, "     fleetsetup validate --csv %s\n", files[1].path)
			fmt.Fprintf(out, "  3. Submit a request:\n")
			fmt.Fprintf(out, "     fleetsetup submit --csv %s --tasks all --requester <you>\n\n", files[1].path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "fleetsetup-data", "data directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}

// writeIfAbsent writes data to path unless the file exists and force is off.
func writeIfAbsent(path string, data []byte, mode os.FileMode, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}
