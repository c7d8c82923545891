package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/spacetelescope/blast/internal/engine"
	"github.com/spacetelescope/blast/pkg/config"
	"github.com/spacetelescope/blast/pkg/logger"
	"github.com/spacetelescope/blast/pkg/process"
	"github.com/spacetelescope/blast/pkg/state"
	"github.com/spacetelescope/blast/pkg/types"
	"github.com/spacetelescope/blast/pkg/validation"
)

// KeepReports is how many run reports survive after each run
const KeepReports = 20

func (c *CLI) newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [project...]",
		Short: "Build the matrix",
		Long: `Clone or update every project, provision one virtual environment per
interpreter, and package every tag selected by the project's constraint.

Naming projects restricts the run to them. Failures are isolated: a failed
build cell or project never stops the rest of the matrix.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			_, err = c.runMatrix(cmd.Context(), cfg, args)
			return err
		},
	}
}

func (c *CLI) newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan [project...]",
		Short: "Show which tags a run would build",
		Long: `Clone or update the repositories and evaluate every project's tag filter
without provisioning interpreters or building anything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPlan(cmd.Context(), args)
		},
	}
}

func (c *CLI) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long:  `Check the configuration file and report every problem found at once.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runValidate()
		},
	}
}

func (c *CLI) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured projects",
		Long:  `List every project with its merged requirements, version constraint and latest-only mode.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runList()
		},
	}
}

func (c *CLI) newStatusCmd() *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last run",
		Long:  `Display the report of the most recent matrix run, cell by cell.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if history {
				return c.runHistory()
			}
			return c.runStatus()
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "list every recorded run instead")

	return cmd
}

// loadConfig reads and validates the configuration and applies flag overrides
func (c *CLI) loadConfig() (*types.Config, error) {
	manager := config.NewManager(".")
	cfg, err := manager.LoadConfig(c.config.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	c.config.Overrides().Apply(cfg)
	return cfg, nil
}

func (c *CLI) workDir(cfg *types.Config) (string, error) {
	dir, err := config.WorkDir(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to resolve work directory: %w", err)
	}
	return dir, nil
}

// newMatrix wires a matrix engine for cfg
func (c *CLI) newMatrix(cfg *types.Config, workDir string) (*engine.Matrix, *state.StateManager) {
	narrator := logger.NewNarratorWithOutput(c.output)
	factory := engine.NewDependencyFactory(workDir, c.logger, cfg, narrator)
	if c.runner != nil {
		factory.WithRunner(c.runner)
	}
	deps := factory.CreateDefaults()

	sm, _ := deps.StateManager.(*state.StateManager)
	return engine.New(cfg, workDir, c.logger, narrator, deps), sm
}

// runMatrix runs one matrix to completion, translating signals into cancellation
func (c *CLI) runMatrix(ctx context.Context, cfg *types.Config, projects []string) (*types.RunSummary, error) {
	workDir, err := c.workDir(cfg)
	if err != nil {
		return nil, err
	}

	pm := process.NewManager(c.logger)
	ctx = pm.Start(ctx)
	defer pm.Stop()

	m, sm := c.newMatrix(cfg, workDir)
	if sm != nil {
		sm.StartHeartbeat(ctx)
		defer sm.StopHeartbeat()
	}

	c.printInfo(fmt.Sprintf("Building %d project(s) under %d interpreter(s)",
		len(projectsOrAll(cfg, projects)), len(cfg.Interpreters())))

	summary, err := m.Run(ctx, projects...)

	if sm != nil {
		if perr := sm.Prune(KeepReports); perr != nil {
			c.logger.Debug("Failed to prune run reports", logger.WithField("error", perr))
		}
	}

	if err != nil {
		if summary != nil && summary.Status == types.RunInterrupted {
			c.printWarning("Run interrupted")
		}
		return summary, err
	}

	if summary.Failed() > 0 || len(summary.Failures) > 0 {
		c.printWarning(fmt.Sprintf("Run %s finished with %d failed attempt(s) and %d abandoned project(s)",
			summary.RunID, summary.Failed(), len(summary.Failures)))
	} else {
		c.printSuccess(fmt.Sprintf("Run %s finished", summary.RunID))
	}
	return summary, nil
}

func projectsOrAll(cfg *types.Config, projects []string) []string {
	if len(projects) > 0 {
		return projects
	}
	return cfg.Projects.Names()
}

func (c *CLI) runPlan(ctx context.Context, projects []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	workDir, err := c.workDir(cfg)
	if err != nil {
		return err
	}

	m, _ := c.newMatrix(cfg, workDir)
	plans, err := m.Plan(ctx, projects...)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tMODE\tTAGS\tSELECTED")
	fmt.Fprintln(w, "-------\t----\t----\t--------")

	for _, plan := range plans {
		mode := "all"
		if plan.Latest {
			mode = "latest"
		}

		selected := strings.Join(plan.Selected, " ")
		if plan.Err != nil {
			selected = color.RedString("error: %v", plan.Err)
		} else if selected == "" {
			selected = color.YellowString("none")
		}

		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", plan.Project, mode, len(plan.Tags), selected)
	}

	return w.Flush()
}

func (c *CLI) runValidate() error {
	manager := config.NewManager(".")
	cfg, err := manager.Read(c.config.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	result := manager.Validate(cfg)
	for _, e := range result.Filter(validation.ValidationLevelError) {
		c.printError(e.Error())
	}
	for _, e := range result.Filter(validation.ValidationLevelWarning) {
		c.printWarning(e.Error())
	}
	for _, e := range result.Filter(validation.ValidationLevelInfo) {
		c.printInfo(e.Error())
	}

	if err := result.Err(); err != nil {
		return fmt.Errorf("%w: %s", config.ErrConfigInvalid, config.ResolvePath(c.config.ConfigFile))
	}

	c.printSuccess(fmt.Sprintf("Configuration is valid (%d project(s), %d interpreter(s))",
		len(cfg.Projects), len(cfg.Interpreters())))
	return nil
}

func (c *CLI) runList() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	c.printf("Interpreters: %s\n", strings.Join(cfg.Interpreters(), ", "))
	c.printf("Commands:     %s\n\n", strings.Join(cfg.Commands(), ", "))

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tREPOSITORY\tCONSTRAINT\tLATEST\tREQUIRES\tBAD PATTERNS")
	fmt.Fprintln(w, "----\t----------\t----------\t------\t--------\t------------")

	for _, p := range cfg.Projects {
		constraint := p.BuildVersions
		if !p.HasConstraint() {
			constraint = "-"
		}

		latest := "✗"
		if cfg.LatestFor(p) {
			latest = "✓"
		}
		if p.SetuptoolsInject {
			latest += " (shim)"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Name,
			cfg.RepositoryURL(p),
			constraint,
			latest,
			orDash(strings.Join(cfg.RequiresFor(p), " ")),
			orDash(strings.Join(cfg.PatternsFor(p), " ")),
		)
	}

	return w.Flush()
}

func (c *CLI) stateManager() (*state.StateManager, error) {
	workDir := c.config.WorkDir
	if cfg, err := config.NewManager(".").Read(c.config.ConfigFile); err == nil {
		c.config.Overrides().Apply(cfg)
		workDir = cfg.WorkDir
	}

	dir, err := c.workDir(&types.Config{WorkDir: workDir})
	if err != nil {
		return nil, err
	}
	return state.NewStateManager(dir, c.logger), nil
}

func (c *CLI) runStatus() error {
	sm, err := c.stateManager()
	if err != nil {
		return err
	}

	report, err := sm.Latest()
	if errors.Is(err, state.ErrNoReport) {
		c.printInfo("No run has been recorded yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read run report: %w", err)
	}

	s := &report.RunSummary
	c.printf("Run %s  %s  started %s  took %s\n",
		s.RunID, colorStatus(s.Status), s.Started.Format(time.DateTime), s.Duration().Round(time.Second))
	c.printf("%d cell(s), %d attempt(s) succeeded, %d failed\n\n", s.Cells(), s.Succeeded(), s.Failed())

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tPYTHON\tTAG\tCOMMAND\tOUTCOME\tARTIFACTS")
	fmt.Fprintln(w, "-------\t------\t---\t-------\t-------\t---------")

	for _, a := range s.Attempts {
		outcome := color.GreenString(string(a.Outcome))
		if a.Failed() {
			outcome = color.RedString(string(a.Outcome))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", a.Project, a.Python, a.Tag, a.Command, outcome, len(a.Artifacts))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(s.Failures) > 0 {
		c.printf("\n")
		for _, f := range s.Failures {
			label := color.RedString("abandoned")
			if f.Skipped {
				label = color.YellowString("skipped")
			}
			subject := f.Project
			if f.Python != "" {
				subject += " (python " + f.Python + ")"
			}
			c.printf("%s %s at %s: %s\n", label, subject, f.Stage, f.Reason)
		}
	}
	if s.Error != "" {
		c.printf("\n%s %s\n", color.RedString("error:"), s.Error)
	}
	return nil
}

func (c *CLI) runHistory() error {
	sm, err := c.stateManager()
	if err != nil {
		return err
	}

	reports, err := sm.History()
	if err != nil {
		return fmt.Errorf("failed to read run reports: %w", err)
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tCELLS\tSUCCEEDED\tFAILED\tABANDONED")
	fmt.Fprintln(w, "---\t------\t-------\t-----\t---------\t------\t---------")

	for _, r := range reports {
		s := &r.RunSummary
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			s.RunID,
			colorStatus(s.Status),
			s.Started.Format(time.DateTime),
			s.Cells(),
			s.Succeeded(),
			s.Failed(),
			len(s.Failures),
		)
	}

	return w.Flush()
}

func colorStatus(status types.RunStatus) string {
	switch status {
	case types.RunCompleted:
		return color.GreenString(string(status))
	case types.RunAborted:
		return color.RedString(string(status))
	case types.RunRunning, types.RunInterrupted:
		return color.YellowString(string(status))
	default:
		return color.WhiteString(string(status))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
