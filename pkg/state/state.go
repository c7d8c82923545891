// Package state persists matrix run reports for blast
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spacetelescope/blast/pkg/logger"
	"github.com/spacetelescope/blast/pkg/types"
)

// ErrNoReport is returned when no run has been recorded yet
var ErrNoReport = errors.New("no run has been recorded")

// StaleAfter is how old a heartbeat may be before its run is considered dead
const StaleAfter = 30 * time.Second

// Report is the persisted form of a run
type Report struct {
	types.RunSummary
	ProcessID int       `json:"processId"`
	Heartbeat time.Time `json:"heartbeat"`
}

// StateManager writes one report file per run under <workdir>/.blast/state
type StateManager struct {
	stateDir       string
	logger         logger.Logger
	mu             sync.Mutex
	current        *Report
	heartbeatStop  chan struct{}
	heartbeatTimer *time.Ticker
}

// NewStateManager creates a new state manager
func NewStateManager(workDir string, log logger.Logger) *StateManager {
	if log == nil {
		log = logger.Discard()
	}
	stateDir := filepath.Join(workDir, ".blast", "state")

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		log.Error("Failed to create state directory", logger.WithField("error", err))
	}

	return &StateManager{
		stateDir: stateDir,
		logger:   log,
	}
}

// Dir returns where reports are stored
func (sm *StateManager) Dir() string {
	return sm.stateDir
}

// Begin records the start of a run
func (sm *StateManager) Begin(summary *types.RunSummary) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.current = &Report{
		RunSummary: snapshot(summary),
		ProcessID:  os.Getpid(),
		Heartbeat:  time.Now(),
	}
	if err := sm.saveReport(sm.current); err != nil {
		return fmt.Errorf("failed to save initial state: %w", err)
	}
	return nil
}

// Update saves the progress of the current run
func (sm *StateManager) Update(summary *types.RunSummary) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current == nil || sm.current.RunID != summary.RunID {
		return fmt.Errorf("run %s has not begun", summary.RunID)
	}
	sm.current.RunSummary = snapshot(summary)
	sm.current.Heartbeat = time.Now()
	return sm.saveReport(sm.current)
}

// Finish saves the final report and stops the heartbeat
func (sm *StateManager) Finish(summary *types.RunSummary) error {
	sm.StopHeartbeat()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current == nil || sm.current.RunID != summary.RunID {
		sm.current = &Report{RunSummary: snapshot(summary)}
	}
	sm.current.RunSummary = snapshot(summary)
	sm.current.ProcessID = 0
	sm.current.Heartbeat = time.Now()
	err := sm.saveReport(sm.current)
	sm.current = nil
	return err
}

// ReadReport loads the report of one run
func (sm *StateManager) ReadReport(runID string) (*Report, error) {
	return sm.loadReport(sm.reportPath(runID))
}

// History returns every recorded run, newest first
func (sm *StateManager) History() ([]*Report, error) {
	files, err := os.ReadDir(sm.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var reports []*Report
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		report, err := sm.loadReport(filepath.Join(sm.stateDir, file.Name()))
		if err != nil {
			sm.logger.Warn("Failed to load state file",
				logger.WithField("file", file.Name()),
				logger.WithField("error", err))
			continue
		}
		reports = append(reports, report)
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Started.After(reports[j].Started)
	})
	return reports, nil
}

// Latest returns the most recent run
func (sm *StateManager) Latest() (*Report, error) {
	reports, err := sm.History()
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, ErrNoReport
	}
	return reports[0], nil
}

// IsLocked reports whether another live process is running a matrix in
// this work directory.
func (sm *StateManager) IsLocked() (bool, error) {
	reports, err := sm.History()
	if err != nil {
		return false, err
	}

	for _, r := range reports {
		if r.Status != types.RunRunning || r.ProcessID == 0 || r.ProcessID == os.Getpid() {
			continue
		}
		if time.Since(r.Heartbeat) > StaleAfter {
			continue
		}
		if alive(r.ProcessID) {
			return true, nil
		}
	}
	return false, nil
}

// StartHeartbeat keeps the current report fresh so other processes see the run as live
func (sm *StateManager) StartHeartbeat(ctx context.Context) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.heartbeatTimer != nil {
		return
	}

	stop := make(chan struct{})
	ticker := time.NewTicker(StaleAfter / 3)
	sm.heartbeatStop = stop
	sm.heartbeatTimer = ticker

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				sm.updateHeartbeat()
			}
		}
	}()
}

// StopHeartbeat stops the heartbeat updater
func (sm *StateManager) StopHeartbeat() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.heartbeatTimer != nil {
		sm.heartbeatTimer.Stop()
		sm.heartbeatTimer = nil
	}
	if sm.heartbeatStop != nil {
		close(sm.heartbeatStop)
		sm.heartbeatStop = nil
	}
}

// Prune removes all but the newest keep reports
func (sm *StateManager) Prune(keep int) error {
	reports, err := sm.History()
	if err != nil {
		return err
	}
	for i := keep; i < len(reports); i++ {
		if err := os.Remove(sm.reportPath(reports[i].RunID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove state file: %w", err)
		}
	}
	return nil
}

func (sm *StateManager) reportPath(runID string) string {
	name := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(runID)
	return filepath.Join(sm.stateDir, name+".json")
}

func (sm *StateManager) loadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &report, nil
}

func (sm *StateManager) saveReport(report *Report) error {
	if err := os.MkdirAll(sm.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	stateFile := sm.reportPath(report.RunID)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Write atomically
	tempFile := stateFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tempFile, stateFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

func (sm *StateManager) updateHeartbeat() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current == nil {
		return
	}
	sm.current.Heartbeat = time.Now()
	if err := sm.saveReport(sm.current); err != nil {
		sm.logger.Debug("Failed to update heartbeat", logger.WithField("error", err))
	}
}

// snapshot copies the slices of a summary so later appends by the
// engine do not race with serialization.
func snapshot(s *types.RunSummary) types.RunSummary {
	out := *s
	out.Attempts = append([]types.BuildAttempt(nil), s.Attempts...)
	out.Failures = append([]types.ProjectFailure(nil), s.Failures...)
	return out
}

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
