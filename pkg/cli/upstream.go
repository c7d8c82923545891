package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spacetelescope/blast/pkg/config"
	"github.com/spacetelescope/blast/pkg/logger"
	"github.com/spacetelescope/blast/pkg/upstream"
)

type upstreamOptions struct {
	server     string
	repository string
	retries    uint64
	verbose    bool
}

func (c *CLI) newUpstreamCmd() *cobra.Command {
	opts := &upstreamOptions{retries: upstream.DefaultRetries}

	cmd := &cobra.Command{
		Use:   "check-upstream <file|dir>...",
		Short: "Check whether distributions already exist on the package index",
		Long: `Query the package index for each distribution file. Directories are searched
for wheels and source tarballs.

Exit status: 0 every file exists upstream, 1 a file is missing upstream,
2 a local file does not exist, 3 a file name is not name-version.ext.
With several files the highest status wins.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runUpstream(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "", "index API root (default: "+upstream.DefaultServer+")")
	cmd.Flags().StringVar(&opts.repository, "repo", "", "named repository on the index (default: "+upstream.DefaultRepository+")")
	cmd.Flags().Uint64Var(&opts.retries, "retries", opts.retries, "retries for failed requests")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "print the status of every file and the path of each missing one")

	return cmd
}

func (c *CLI) runUpstream(cmd *cobra.Command, opts *upstreamOptions, paths []string) error {
	server := c.viper.GetString("server")
	repository := c.viper.GetString("repo")

	// The configuration file is optional here
	if cfg, err := config.NewManager(".").Read(c.config.ConfigFile); err == nil {
		if server == "" {
			server = cfg.Upstream.Server
		}
		if repository == "" {
			repository = cfg.Upstream.Repository
		}
	} else if !errors.Is(err, config.ErrConfigNotFound) {
		c.logger.Debug("Ignoring unreadable configuration", logger.WithField("error", err))
	}

	checker := upstream.NewChecker(
		upstream.WithServer(server),
		upstream.WithRepository(repository),
		upstream.WithRetries(opts.retries),
		upstream.WithLogger(c.logger),
	)
	defer checker.Close()

	results, code := checker.CheckPaths(cmd.Context(), paths)
	for _, r := range results {
		switch r.Code {
		case upstream.ExitNoFile:
			fmt.Fprintf(c.errorOut, "Local file does not exist: %s\n", r.Path)
		case upstream.ExitBadName:
			fmt.Fprintln(c.errorOut, r.Err)
		case upstream.ExitMissing:
			if r.Err != nil {
				c.logger.Debug("Index query failed", logger.WithField("error", r.Err))
			}
			if opts.verbose {
				fmt.Fprintln(c.errorOut, upstream.FormatStatus(r))
				fmt.Fprintln(c.output, r.Path)
			}
		default:
			if opts.verbose {
				fmt.Fprintln(c.errorOut, upstream.FormatStatus(r))
			}
		}
	}

	if code != upstream.ExitFound {
		return &ExitError{Code: int(code)}
	}
	return nil
}
