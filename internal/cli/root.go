package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"task2vec/config"
	"task2vec/internal/logging"
)

var (
	cfgFile  string
	cfg      *config.Config
	rootDir  string
	logLevel string
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "task2vec",
	Short: "Embed tickets once, then find similar ones and score their likely outcome",
	Long: `task2vec keeps an append-only cache of ticket embeddings, serves cosine
top-k queries over it and turns the labels of the nearest tickets into an
outcome distribution.

Example usage:
  task2vec embed tickets.jsonl                # Embed what the cache is missing
  task2vec label issues.jsonl                 # Derive outcome labels from history
  task2vec query -q "NPE in bean factory"     # Nearest tickets
  task2vec score --key SPR-1234               # Outcome distribution for a ticket
  task2vec serve                              # JSONL request loop with hot reload`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error

		if rootDir == "" {
			rootDir, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get working directory: %w", err)
			}
		}

		// Provider keys usually live in .env next to the project.
		if err := godotenv.Load(filepath.Join(rootDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}

		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
		} else {
			cfg, err = config.LoadFromDir(rootDir)
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return err
		}
		logger = logging.New(logging.Config{Level: level, Format: cfg.Logging.Format})

		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./task2vec.yaml)")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "d", "", "root directory (default is current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func GetConfig() *config.Config {
	return cfg
}

func GetRootDir() string {
	return rootDir
}
