package logger_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fatih/color"
	bcontext "github.com/spacetelescope/blast/pkg/context"
	"github.com/spacetelescope/blast/pkg/logger"
)

func TestLogger_WithTarget(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("", "info", &buf)

	log.WithTarget("stsci.tools").Info("cloning")

	output := buf.String()
	if !strings.Contains(output, "[stsci.tools] cloning") {
		t.Errorf("expected target prefix in log output, got %q", output)
	}
}

func TestLogger_FieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("", "info", &buf)

	log.Info("tag skipped",
		logger.WithField("tag", "v1"),
		logger.WithField("constraint", ">=2"),
	)

	output := buf.String()
	if !strings.Contains(output, "{constraint=>=2, tag=v1}") {
		t.Errorf("expected sorted fields, got %q", output)
	}
}

func TestLogger_Success(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("", "info", &buf)

	log.Success("matrix complete")

	if !strings.Contains(buf.String(), "✅ matrix complete") {
		t.Error("expected success message in log output")
	}
}

func TestLogger_ErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("", "error", &buf)

	log.Debug("should not appear")
	log.Info("should not appear")
	log.Warn("should not appear")
	log.Error("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Error("lower level logs should not appear with error level")
	}
	if !strings.Contains(output, "should appear") {
		t.Error("error level log should appear")
	}
}

func TestLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("", "chatty", &buf)

	log.Debug("hidden")
	log.Info("shown")

	output := buf.String()
	if strings.Contains(output, "hidden") || !strings.Contains(output, "shown") {
		t.Errorf("expected info level, got %q", output)
	}
}

func TestWithContext_AddsTracingFields(t *testing.T) {
	var buf bytes.Buffer
	base := logger.CreateLoggerWithOutput("", "info", &buf)

	ctx := bcontext.WithRunID(context.Background(), "run_1")
	ctx = bcontext.WithProject(ctx, "relic")
	ctx = bcontext.WithTag(ctx, "1.0.0")

	logger.WithContext(ctx, base).Info("building")

	output := buf.String()
	for _, want := range []string{"run_id=run_1", "project=relic", "tag=1.0.0"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in %q", want, output)
		}
	}
}

func TestNarrator_Outcome(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	n := logger.NewNarratorWithOutput(&buf)

	n.Outcome("relic", "1.0.0", "sdist", false, "")
	n.Outcome("relic", "1.0.0", "bdist_egg", true, "error: invalid command\n")

	output := buf.String()
	if !strings.Contains(output, "===> relic::1.0.0: sdist: SUCCESS") {
		t.Errorf("missing success line in %q", output)
	}
	if !strings.Contains(output, "===> relic::1.0.0: bdist_egg: FAILED") {
		t.Errorf("missing failure line in %q", output)
	}
	if strings.Count(output, logger.FailureRule) != 2 {
		t.Errorf("expected stderr to be bounded by two rules, got %q", output)
	}
	if !strings.Contains(output, "error: invalid command") {
		t.Error("expected stderr to be printed verbatim")
	}
}

func TestNarrator_Skip(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	n := logger.NewNarratorWithOutput(&buf)

	n.Skip("asdf", errors.New("no git repository present"))

	if !strings.Contains(buf.String(), `Skipping "asdf" due to: no git repository present`) {
		t.Errorf("unexpected skip line %q", buf.String())
	}
}
