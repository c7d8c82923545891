// Package notifier provides desktop notifications for matrix runs
package notifier

import (
	"fmt"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/spacetelescope/blast/pkg/logger"
	"github.com/spacetelescope/blast/pkg/types"
)

// Sender delivers one notification
type Sender func(title, message string) error

// BuildNotifier handles run notifications
type BuildNotifier struct {
	enabled bool
	sound   bool
	send    Sender
	beep    func() error
	logger  logger.Logger
}

// Config represents notification configuration
type Config struct {
	Enabled bool
	// Sound beeps when a run finishes with failures
	Sound bool
}

// New creates a new notifier backed by the desktop notification service
func New(config Config, log logger.Logger) *BuildNotifier {
	if log == nil {
		log = logger.Discard()
	}
	return &BuildNotifier{
		enabled: config.Enabled,
		sound:   config.Sound,
		send: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		beep: func() error {
			return beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
		},
		logger: log,
	}
}

// WithSender replaces how notifications are delivered (for tests)
func (n *BuildNotifier) WithSender(send Sender) *BuildNotifier {
	n.send = send
	n.beep = func() error { return nil }
	return n
}

// NotifyProjectFailure notifies that a project was abandoned
func (n *BuildNotifier) NotifyProjectFailure(failure types.ProjectFailure) {
	if !n.enabled {
		return
	}

	title := "⚠️ Project Abandoned"
	if failure.Skipped {
		title = "⏭ Project Skipped"
	}
	subject := failure.Project
	if failure.Python != "" {
		subject += " (python " + failure.Python + ")"
	}
	n.sendNotification(title, fmt.Sprintf("%s: %s failed: %s", subject, failure.Stage, failure.Reason))
}

// NotifyRunComplete notifies that a run has ended
func (n *BuildNotifier) NotifyRunComplete(summary *types.RunSummary) {
	if !n.enabled {
		return
	}

	failed := summary.Failed()
	title := "✅ Matrix Complete"
	switch {
	case summary.Status == types.RunInterrupted:
		title = "⏹ Matrix Interrupted"
	case summary.Status == types.RunAborted:
		title = "❌ Matrix Aborted"
	case failed > 0 || len(summary.Failures) > 0:
		title = "❌ Matrix Completed With Failures"
	}

	message := fmt.Sprintf("%d cell(s), %d succeeded, %d failed in %s",
		summary.Cells(), summary.Succeeded(), failed, formatDuration(summary.Duration()))
	if abandoned := len(summary.Failures); abandoned > 0 {
		message += fmt.Sprintf("; %d project(s) abandoned", abandoned)
	}
	n.sendNotification(title, message)

	if n.sound && (failed > 0 || summary.Status == types.RunAborted) {
		if err := n.beep(); err != nil {
			n.logger.Debug("Failed to play sound", logger.WithField("error", err))
		}
	}
}

func (n *BuildNotifier) sendNotification(title, message string) {
	if err := n.send(title, message); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithField("error", err))
		// Fallback to console
		n.logger.Info(fmt.Sprintf("%s: %s", title, message))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
