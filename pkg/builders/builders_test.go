package builders_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetelescope/blast/pkg/builders"
	"github.com/spacetelescope/blast/pkg/logger"
	"github.com/spacetelescope/blast/pkg/mocks"
	"github.com/spacetelescope/blast/pkg/process"
	"github.com/spacetelescope/blast/pkg/pyenv"
	"github.com/spacetelescope/blast/pkg/types"
)

var cell = types.Cell{Project: "relic", Python: "3.7.0", Tag: "1.0.0"}

type fixture struct {
	runner   *mocks.Runner
	env      *pyenv.Environment
	executor *builders.Executor
	out      *bytes.Buffer
	work     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	color.NoColor = true

	work := t.TempDir()
	runner := mocks.NewRunner()
	var out bytes.Buffer

	return &fixture{
		runner: runner,
		env:    pyenv.New("3.7.0", "py370", runner, nil),
		executor: builders.NewExecutor(nil,
			filepath.Join(work, "upload"),
			filepath.Join(work, ".blast", "logs"),
			logger.Discard(),
			logger.NewNarratorWithOutput(&out)),
		out:  &out,
		work: work,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		result *process.Result
		want   types.Outcome
	}{
		{"clean exit", &process.Result{ExitCode: 0}, types.OutcomeSuccess},
		{"clean exit with warnings", &process.Result{ExitCode: 0, Stderr: "warning: no files found"}, types.OutcomeSuccess},
		{"silent non-zero exit", &process.Result{ExitCode: 1}, types.OutcomeSuccess},
		{"non-zero exit with stderr", &process.Result{ExitCode: 1, Stderr: "error: invalid command"}, types.OutcomeFailed},
		{"no result", nil, types.OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, builders.Classify(tt.result))
		})
	}
}

func TestBuild_RunsSequence(t *testing.T) {
	f := newFixture(t)

	attempts, err := f.executor.Build(context.Background(), f.env, pyenv.Overlay{}, cell, f.work)
	require.NoError(t, err)
	require.Len(t, attempts, 3)

	out, _ := filepath.Abs(filepath.Join(f.work, "upload"))
	calls := f.runner.Calls()
	require.Len(t, calls, 3)
	for i, cmd := range types.DefaultBuildCommands {
		assert.Equal(t, cmd, attempts[i].Command)
		assert.Equal(t, types.OutcomeSuccess, attempts[i].Outcome)
		assert.Equal(t, cell, attempts[i].Cell)

		c := calls[i]
		require.Len(t, c.Args, 4)
		assert.Equal(t, []string{"setup.py", cmd, "-d"}, c.Args[:3])
		assert.Equal(t, out, filepath.Dir(c.Args[3]), "artifacts are staged inside the output directory")
		assert.Equal(t, f.work, c.Dir)
		assert.True(t, c.Capture)
	}
	assert.DirExists(t, out)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directories are removed")
}

func TestBuild_FailureDoesNotStopSequence(t *testing.T) {
	f := newFixture(t)
	f.runner.On("python", "setup.py", "bdist_egg").Fail(1, "error: invalid command 'bdist_egg'")

	attempts, err := f.executor.Build(context.Background(), f.env, pyenv.Overlay{}, cell, f.work)
	require.NoError(t, err)
	require.Len(t, attempts, 3)

	assert.False(t, attempts[0].Failed())
	assert.True(t, attempts[1].Failed())
	assert.Equal(t, 1, attempts[1].ExitCode)
	assert.False(t, attempts[2].Failed())

	output := f.out.String()
	assert.Contains(t, output, "===> relic::1.0.0: sdist: SUCCESS")
	assert.Contains(t, output, "===> relic::1.0.0: bdist_egg: FAILED\n"+logger.FailureRule+"\nerror: invalid command 'bdist_egg'\n"+logger.FailureRule)
	assert.Contains(t, output, "===> relic::1.0.0: bdist_wheel: SUCCESS")

	total, failed := f.executor.Stats()
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, failed)
}

func TestBuild_RecordsArtifacts(t *testing.T) {
	f := newFixture(t)
	f.runner.On("python", "setup.py", "bdist_wheel").Do(func(cmd process.Command) {
		os.WriteFile(filepath.Join(cmd.Args[3], "relic-1.0.0-py3-none-any.whl"), []byte("wheel"), 0644)
	})

	attempts, err := f.executor.Build(context.Background(), f.env, pyenv.Overlay{}, cell, f.work)
	require.NoError(t, err)

	assert.Empty(t, attempts[0].Artifacts)
	assert.Equal(t, []string{"relic-1.0.0-py3-none-any.whl"}, attempts[2].Artifacts)
	assert.FileExists(t, filepath.Join(f.work, "upload", "relic-1.0.0-py3-none-any.whl"))
}

func TestBuild_IgnoresFilesFromOtherWriters(t *testing.T) {
	f := newFixture(t)
	out, _ := filepath.Abs(filepath.Join(f.work, "upload"))
	f.runner.On("python", "setup.py", "sdist").Do(func(cmd process.Command) {
		// another shard finishing while this one runs
		os.WriteFile(filepath.Join(out, "hstcal-2.0.0.tar.gz"), []byte("other"), 0644)
		os.WriteFile(filepath.Join(cmd.Args[3], "relic-1.0.0.tar.gz"), []byte("sdist"), 0644)
	})

	attempts, err := f.executor.Build(context.Background(), f.env, pyenv.Overlay{}, cell, f.work)
	require.NoError(t, err)

	assert.Equal(t, []string{"relic-1.0.0.tar.gz"}, attempts[0].Artifacts)
	assert.Empty(t, attempts[1].Artifacts)
	assert.FileExists(t, filepath.Join(out, "hstcal-2.0.0.tar.gz"))
	assert.FileExists(t, filepath.Join(out, "relic-1.0.0.tar.gz"))
}

func TestBuild_ConcurrentExecutorsShareOutput(t *testing.T) {
	work := t.TempDir()
	output := filepath.Join(work, "upload")
	runner := mocks.NewRunner()
	runner.On("python", "setup.py", "sdist").Do(func(cmd process.Command) {
		project := filepath.Base(cmd.Dir)
		os.WriteFile(filepath.Join(cmd.Args[3], project+"-1.0.0.tar.gz"), []byte(project), 0644)
	})

	var wg sync.WaitGroup
	results := make(map[string][]string)
	var mu sync.Mutex
	for _, project := range []string{"relic", "hstcal"} {
		project := project
		src := filepath.Join(work, project)
		require.NoError(t, os.MkdirAll(src, 0755))

		wg.Add(1)
		go func() {
			defer wg.Done()
			x := builders.NewExecutor([]string{"sdist"}, output, "", logger.Discard(), nil)
			env := pyenv.New("3.7.0", "py370-"+project, runner, nil)
			c := types.Cell{Project: project, Python: "3.7.0", Tag: "1.0.0"}
			attempts, err := x.Build(context.Background(), env, pyenv.Overlay{}, c, src)
			assert.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			for _, a := range attempts {
				results[project] = append(results[project], a.Artifacts...)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string][]string{
		"relic":  {"relic-1.0.0.tar.gz"},
		"hstcal": {"hstcal-1.0.0.tar.gz"},
	}, results)
}

func TestBuild_AppendsProjectLog(t *testing.T) {
	f := newFixture(t)
	f.runner.On("python", "setup.py", "sdist").Fail(1, "boom")

	ctx := context.Background()
	_, err := f.executor.Build(ctx, f.env, pyenv.Overlay{}, cell, f.work)
	require.NoError(t, err)
	_, err = f.executor.Build(ctx, f.env, pyenv.Overlay{}, types.Cell{Project: "relic", Python: "3.7.0", Tag: "1.1.0"}, f.work)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.work, ".blast", "logs", "relic.log"))
	require.NoError(t, err)
	log := string(data)
	assert.Contains(t, log, "=== relic 1.0.0 (python 3.7.0) sdist started at")
	assert.Contains(t, log, "=== relic 1.1.0 (python 3.7.0) bdist_wheel started at")
	assert.Contains(t, log, "=== sdist FAILED after")
	assert.Equal(t, 6, strings.Count(log, "started at"))
}

func TestBuild_StartFailureIsAFailedAttempt(t *testing.T) {
	f := newFixture(t)
	f.runner.On("python").Respond(mocks.Response{Err: errors.New("exec: \"python\": executable file not found in $PATH")})

	attempts, err := f.executor.Build(context.Background(), f.env, pyenv.Overlay{}, cell, f.work)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for _, a := range attempts {
		assert.True(t, a.Failed())
		assert.Contains(t, a.Stderr, "executable file not found")
	}
}

func TestBuild_StopsWhenCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.runner.On("python", "setup.py", "sdist").Do(func(process.Command) { cancel() })

	attempts, err := f.executor.Build(ctx, f.env, pyenv.Overlay{}, cell, f.work)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, attempts, 1)
	assert.Len(t, f.runner.Calls(), 1)
}

func TestBuild_CustomCommands(t *testing.T) {
	f := newFixture(t)
	f.executor.Commands = []string{"sdist"}

	attempts, err := f.executor.Build(context.Background(), f.env, pyenv.Overlay{}, cell, f.work)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestBuild_RequiresActivatedEnvironment(t *testing.T) {
	f := newFixture(t)

	attempts, err := f.executor.Build(context.Background(), f.env, nil, cell, f.work)
	require.NoError(t, err)
	for _, a := range attempts {
		assert.True(t, a.Failed())
		assert.Contains(t, a.Stderr, pyenv.ErrNotActivated.Error())
	}
	assert.Empty(t, f.runner.Calls())
}

func TestInjectShim(t *testing.T) {
	dir := t.TempDir()
	setup := filepath.Join(dir, "setup.py")
	original := "from distutils.core import setup\nsetup(name='relic')\n"
	require.NoError(t, os.WriteFile(setup, []byte(original), 0644))

	changed, err := builders.InjectShim(dir)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = builders.InjectShim(dir)
	require.NoError(t, err)
	assert.False(t, changed, "second injection must be a no-op")

	data, _ := os.ReadFile(setup)
	assert.Equal(t, builders.ShimLine+"\n"+original, string(data))
}

func TestInjectShim_MissingScript(t *testing.T) {
	_, err := builders.InjectShim(t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}
