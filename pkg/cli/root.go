// Package cli provides the command-line interface for blast
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spacetelescope/blast/pkg/logger"
	"github.com/spacetelescope/blast/pkg/process"
	"github.com/spacetelescope/blast/pkg/types"
)

// EnvPrefix namespaces the environment variables that mirror flags
const EnvPrefix = "BLAST"

// CLI is one command-line instance with its own flags and viper store
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	viper    *viper.Viper
	logger   logger.Logger
	runner   process.Runner
	output   io.Writer
	errorOut io.Writer
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(config *Config) *CLI {
	if config == nil {
		config = NewConfig()
	}

	cli := &CLI{
		config:   config,
		viper:    viper.New(),
		output:   os.Stdout,
		errorOut: os.Stderr,
	}

	cli.setupCommands()
	return cli
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(config *Config, output, errorOut io.Writer) *CLI {
	cli := NewCLI(config)
	cli.output = output
	cli.errorOut = errorOut
	cli.rootCmd.SetOut(output)
	cli.rootCmd.SetErr(errorOut)
	return cli
}

// WithRunner replaces the external process runner used by run, plan and watch
func (c *CLI) WithRunner(runner process.Runner) *CLI {
	c.runner = runner
	return c
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	return c.ExecuteContext(context.Background(), args)
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "blast",
		Short: "Build every tagged release of a set of Python projects",
		Long: `blast builds source and binary distributions for every selected tag of
every configured project, under every configured Python interpreter.

Each project is cloned from {host}/{organization}/{name}, each interpreter
gets a dedicated pyenv virtual environment, and each tag that passes the
project's version constraint is packaged into the output directory.`,

		PersistentPreRunE: c.initializeConfig,
		SilenceUsage:      true,
		SilenceErrors:     true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("blast v{{.Version}}\n")

	c.rootCmd.AddCommand(c.newRunCmd())
	c.rootCmd.AddCommand(c.newPlanCmd())
	c.rootCmd.AddCommand(c.newWatchCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newListCmd())
	c.rootCmd.AddCommand(c.newValidateCmd())
	c.rootCmd.AddCommand(c.newUpstreamCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", c.config.ConfigFile, "config file (YAML or JSON)")
	flags.StringVar(&c.config.WorkDir, "workdir", c.config.WorkDir, "directory repositories are cloned into (default: current directory)")
	flags.StringVarP(&c.config.Output, "output", "o", c.config.Output, "directory distributions are written to (default: upload)")
	flags.IntVarP(&c.config.Parallel, "parallel", "j", c.config.Parallel, "number of projects built concurrently")
	flags.BoolVar(&c.config.Notify, "notify", c.config.Notify, "send a desktop notification when the run ends")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", c.config.Verbosity, "log level (debug, info, warn, error)")
	flags.StringVar(&c.config.LogFile, "log-file", c.config.LogFile, "also append log output to this file")
}

// initializeConfig lets BLAST_* environment variables fill in any flag
// the user did not pass.
func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	v := c.viper
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	c.config.ConfigFile = v.GetString("config")
	c.config.WorkDir = v.GetString("workdir")
	c.config.Output = v.GetString("output")
	c.config.Parallel = v.GetInt("parallel")
	c.config.Notify = v.GetBool("notify")
	c.config.Verbosity = v.GetString("verbosity")
	c.config.LogFile = v.GetString("log-file")

	if !types.LogLevel(c.config.Verbosity).Valid() {
		return fmt.Errorf("unknown log level %q (want debug, info, warn or error)", c.config.Verbosity)
	}

	if c.errorOut == os.Stderr {
		c.logger = logger.CreateLogger(c.config.LogFile, c.config.Verbosity)
	} else {
		c.logger = logger.CreateLoggerWithOutput(c.config.LogFile, c.config.Verbosity, c.errorOut)
	}
	c.logger.Debug("CLI configured",
		logger.WithField("config", c.config.ConfigFile),
		logger.WithField("command", cmd.Name()))

	return nil
}

// Helper methods for structured output

func (c *CLI) printSuccess(message string) {
	c.logger.Success(message)
}

func (c *CLI) printError(message string) {
	c.logger.Error(message)
}

func (c *CLI) printInfo(message string) {
	c.logger.Info(message)
}

func (c *CLI) printWarning(message string) {
	c.logger.Warn(message)
}

func (c *CLI) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.output, format, args...)
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			c.printf("%s v%s\n", color.CyanString("blast"), c.config.Version)
		},
	}
}
