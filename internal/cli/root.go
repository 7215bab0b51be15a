// Package cli implements the shelfsync command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/banux/shelfsync/internal/config"
	"github.com/banux/shelfsync/internal/logging"
)

// Execute runs the root command and reports any error on stderr.
func Execute(ctx context.Context) error {
	cmd := NewRootCommand()
	err := cmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// commandContext carries flags and lazily loaded configuration shared by
// every subcommand.
type commandContext struct {
	configFlag  string
	libraryFlag string
	backendFlag string
	apiFlag     string
	logLevel    string

	configOnce sync.Once
	config     config.Config
	configErr  error

	logger *slog.Logger
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		path := strings.TrimSpace(c.configFlag)
		if path == "" {
			path = config.FindConfigFile()
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if v := strings.TrimSpace(c.libraryFlag); v != "" {
			cfg.LibraryDir = v
		}
		if v := strings.TrimSpace(c.backendFlag); v != "" {
			cfg.Backend = v
		}
		if v := strings.TrimSpace(c.apiFlag); v != "" {
			cfg.APIBaseURL = v
		}
		if v := strings.TrimSpace(c.logLevel); v != "" {
			cfg.LogLevel = v
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) initLogger(w io.Writer, cfg config.Config) {
	if f, ok := w.(*os.File); ok && f == os.Stderr {
		c.logger = logging.Init(cfg.LogLevel, cfg.LogFormat)
		return
	}
	c.logger = logging.New(w, cfg.LogLevel, cfg.LogFormat)
}

// NewRootCommand builds the shelfsync command tree.
func NewRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "shelfsync",
		Short:         "Keep a local book library in sync with a remote catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			ctx.initLogger(cmd.ErrOrStderr(), cfg)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path")
	flags.StringVar(&ctx.libraryFlag, "library", "", "Library directory (overrides config)")
	flags.StringVar(&ctx.backendFlag, "backend", "", "Local index backend: sqlite or fs")
	flags.StringVar(&ctx.apiFlag, "api", "", "Remote catalog base URL")
	flags.StringVar(&ctx.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newRunCommand(ctx),
		newAddCommand(ctx),
		newListCommand(ctx),
		newOpenCommand(ctx),
		newProgressCommand(ctx),
		newRemoveCommand(ctx),
		newSyncCommand(ctx),
		newLoginCommand(ctx),
		newStatusCommand(ctx),
	)
	return rootCmd
}
