package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/spacetelescope/blast/internal/engine"
	"github.com/spacetelescope/blast/pkg/config"
	"github.com/spacetelescope/blast/pkg/logger"
	"github.com/spacetelescope/blast/pkg/process"
	"github.com/spacetelescope/blast/pkg/types"
)

func (c *CLI) newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [project...]",
		Short: "Run the matrix, then rerun it whenever the configuration changes",
		Long: `Run the matrix once, then keep watching the configuration file. Every time
a valid new version is saved the matrix runs again with it; invalid edits are
reported and ignored. Stop with Ctrl-C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWatch(cmd.Context(), args)
		},
	}
}

// pendingConfig holds the newest reloaded configuration until the watch
// loop picks it up. Reloads arriving during a run collapse into one.
type pendingConfig struct {
	mu    sync.Mutex
	cfg   *types.Config
	ready chan struct{}
}

func newPendingConfig() *pendingConfig {
	return &pendingConfig{ready: make(chan struct{}, 1)}
}

func (p *pendingConfig) offer(cfg *types.Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()

	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (p *pendingConfig) take() *types.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.cfg
	p.cfg = nil
	return cfg
}

func (c *CLI) runWatch(ctx context.Context, projects []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	pm := process.NewManager(c.logger)
	ctx = pm.Start(ctx)
	defer pm.Stop()

	pending := newPendingConfig()
	rm := config.NewReloadManager(c.config.ConfigFile, config.NewManager("."), c.logger)
	rm.AddCallback(func(next *types.Config, err error) {
		if err != nil {
			c.printError(fmt.Sprintf("Ignoring configuration change: %v", err))
			return
		}
		c.config.Overrides().Apply(next)
		pending.offer(next)
	})

	if err := rm.StartWatching(); err != nil {
		return fmt.Errorf("failed to watch configuration: %w", err)
	}
	defer rm.StopWatching()

	c.printInfo(fmt.Sprintf("Watching %s", rm.GetConfigPath()))

	for {
		if _, err := c.runMatrix(ctx, cfg, projects); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, engine.ErrUnknownProject):
				return err
			default:
				c.printError(fmt.Sprintf("Run failed: %v", err))
			}
		}

		c.printInfo("Waiting for configuration changes")
		select {
		case <-ctx.Done():
			return nil
		case <-pending.ready:
			if next := pending.take(); next != nil {
				cfg = next
				c.logger.Info("Configuration changed, rebuilding",
					logger.WithField("projects", len(cfg.Projects)))
			}
		}
	}
}
