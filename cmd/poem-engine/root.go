package main

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/snarg/poem-engine/internal/config"
)

type commandContext struct {
	overrides config.Overrides

	configOnce sync.Once
	config     *config.Config
	configErr  error

	// stdout receives console logs; tests replace it.
	stdout io.Writer
}

func newCommandContext() *commandContext {
	return &commandContext{stdout: os.Stdout}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load(c.overrides)
	})
	return c.config, c.configErr
}

func (c *commandContext) logLevel() zerolog.Level {
	level := zerolog.InfoLevel
	if c.config != nil {
		if l, err := zerolog.ParseLevel(c.config.LogLevel); err == nil {
			level = l
		}
	}
	return level
}

func (c *commandContext) logger() zerolog.Logger {
	return zerolog.New(c.stdout).With().Timestamp().Logger().Level(c.logLevel())
}

func newRootCommand() *cobra.Command {
	ctx := newCommandContext()

	rootCmd := &cobra.Command{
		Use:           "poem-engine",
		Short:         "Render classified ads as narrated slideshow videos",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd == cmd.Root() {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flags.StringVar(&ctx.overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flags.StringVar(&ctx.overrides.HTTPAddr, "http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	flags.StringVar(&ctx.overrides.WorkDir, "work-dir", "", "Per-job scratch directory root (overrides WORK_DIR)")
	flags.StringVar(&ctx.overrides.LogDir, "log-dir", "", "Job log directory (overrides LOG_DIR)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newRunCommand(ctx))

	return rootCmd
}
