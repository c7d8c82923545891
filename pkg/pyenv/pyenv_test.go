package pyenv_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetelescope/blast/pkg/mocks"
	"github.com/spacetelescope/blast/pkg/process"
	"github.com/spacetelescope/blast/pkg/pyenv"
)

func rootedEnv(t *testing.T, version, name string) (*pyenv.Environment, *mocks.Runner, string) {
	t.Helper()
	root := t.TempDir()
	runner := mocks.NewRunner()
	env := pyenv.New(version, name, runner, nil).WithLookupEnv(func(key string) (string, bool) {
		if key == pyenv.RootVariable {
			return root, true
		}
		return "", false
	})
	return env, runner, root
}

func TestNameFor(t *testing.T) {
	tests := []struct {
		version, namespace, want string
	}{
		{"3.7.0", "", "py370"},
		{"2.7.15", "", "py2715"},
		{"3.11.4", "relic", "py3114-relic"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pyenv.NameFor(tt.version, tt.namespace))
	}
}

func TestCreate_RootUnset(t *testing.T) {
	runner := mocks.NewRunner()
	env := pyenv.New("3.7.0", "py370", runner, nil).WithLookupEnv(func(string) (string, bool) {
		return "", false
	})

	err := env.Create(context.Background())
	assert.ErrorIs(t, err, pyenv.ErrRootUnset)
	assert.Empty(t, runner.Calls())
}

func TestCreate_InstallsThenCreatesEnvironment(t *testing.T) {
	env, runner, _ := rootedEnv(t, "3.7.0", "py370")

	require.NoError(t, env.Create(context.Background()))
	assert.Equal(t, []string{
		"pyenv install -s 3.7.0",
		"pyenv virtualenv 3.7.0 py370",
	}, runner.CommandLines())
}

func TestCreate_Idempotent(t *testing.T) {
	env, runner, root := rootedEnv(t, "3.7.0", "py370")
	runner.On("pyenv", "install").Do(func(cmd process.Command) {
		os.MkdirAll(filepath.Join(root, "versions", cmd.Args[2]), 0755)
	})
	runner.On("pyenv", "virtualenv").Do(func(cmd process.Command) {
		os.MkdirAll(filepath.Join(root, "versions", cmd.Args[2]), 0755)
	})

	ctx := context.Background()
	require.NoError(t, env.Create(ctx))
	require.NoError(t, env.Create(ctx))

	assert.Len(t, runner.CallsMatching("pyenv", "install"), 1)
	assert.Len(t, runner.CallsMatching("pyenv", "virtualenv"), 1)
}

func TestCreate_SharedLocksInstallOnce(t *testing.T) {
	root := t.TempDir()
	runner := mocks.NewRunner()
	runner.On("pyenv", "install").Do(func(cmd process.Command) {
		time.Sleep(20 * time.Millisecond)
		os.MkdirAll(filepath.Join(root, "versions", cmd.Args[2]), 0755)
	})
	lookup := func(key string) (string, bool) { return root, key == pyenv.RootVariable }

	locks := &pyenv.InstallLocks{}
	var wg sync.WaitGroup
	for _, ns := range []string{"relic", "hstcal"} {
		env := pyenv.New("3.7.0", pyenv.NameFor("3.7.0", ns), runner, nil).
			WithLookupEnv(lookup).
			WithInstallLocks(locks)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.Create(context.Background()))
		}()
	}
	wg.Wait()

	assert.Len(t, runner.CallsMatching("pyenv", "install", "-s", "3.7.0"), 1)
	assert.Len(t, runner.CallsMatching("pyenv", "virtualenv"), 2)
}

func TestInstallLocks_VersionsAreIndependent(t *testing.T) {
	var locks pyenv.InstallLocks
	unlock := locks.Lock("3.7.0")
	defer unlock()

	done := make(chan struct{})
	go func() {
		locks.Lock("3.6.8")()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another version blocked")
	}
}

func TestCreate_ToleratesAlreadyExists(t *testing.T) {
	env, runner, _ := rootedEnv(t, "3.7.0", "py370")
	runner.On("pyenv", "virtualenv").Fail(1, "pyenv-virtualenv: `/root/.pyenv/versions/py370' already exists.")

	assert.NoError(t, env.Create(context.Background()))
}

func TestCreate_InstallFailure(t *testing.T) {
	env, runner, _ := rootedEnv(t, "9.9.9", "py999")
	runner.On("pyenv", "install").Fail(1, "python-build: definition not found: 9.9.9")

	err := env.Create(context.Background())
	var exitErr *process.ExitError
	require.True(t, errors.As(err, &exitErr), "got %v", err)
	assert.Contains(t, exitErr.Result.Stderr, "definition not found")
	assert.Empty(t, runner.CallsMatching("pyenv", "virtualenv"))
}

func TestActivate_ParsesEnvironment(t *testing.T) {
	env, runner, _ := rootedEnv(t, "3.7.0", "py370")
	runner.On("bash", "-c").Return("PATH=/root/.pyenv/versions/py370/bin:/usr/bin\nPYENV_VERSION=py370\nEMPTY=\nnoise\nEQ=a=b\n")

	overlay, err := env.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/root/.pyenv/versions/py370/bin:/usr/bin", overlay.Path())
	assert.Equal(t, "py370", overlay["PYENV_VERSION"])
	assert.Equal(t, "a=b", overlay["EQ"])
	assert.Contains(t, overlay, "EMPTY")
	assert.NotContains(t, overlay, "noise")

	script := runner.Calls()[0].Args[1]
	assert.True(t, strings.HasPrefix(script, `eval "$(pyenv init -)"`), script)
	assert.Contains(t, script, "pyenv activate py370 && pyenv rehash && printenv")
}

func TestActivate_QuotesName(t *testing.T) {
	env, _, _ := rootedEnv(t, "3.7.0", "py370; rm -rf /")

	script, err := env.ActivationScript()
	require.NoError(t, err)
	assert.Contains(t, script, "pyenv activate 'py370; rm -rf /' &&")
}

func TestActivate_RepeatedCallsAreSafe(t *testing.T) {
	env, runner, _ := rootedEnv(t, "3.7.0", "py370")
	runner.On("bash", "-c").Return("PATH=/bin\n")

	for i := 0; i < 3; i++ {
		overlay, err := env.Activate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "/bin", overlay.Path())
	}
	assert.Len(t, runner.Calls(), 3)
}

func TestActivate_Failure(t *testing.T) {
	env, runner, _ := rootedEnv(t, "3.7.0", "py370")
	runner.On("bash", "-c").Fail(1, "pyenv: activate: command not found")

	_, err := env.Activate(context.Background())
	assert.Error(t, err)
}

func TestRun_RequiresActivation(t *testing.T) {
	env, runner, _ := rootedEnv(t, "3.7.0", "py370")

	_, err := env.Run(context.Background(), nil, pyenv.RunOptions{}, "python", "--version")
	assert.ErrorIs(t, err, pyenv.ErrNotActivated)
	assert.Empty(t, runner.Calls())
}

func TestRun_ResolvesAgainstOverlayPath(t *testing.T) {
	env, runner, _ := rootedEnv(t, "3.7.0", "py370")
	bin := t.TempDir()
	python := filepath.Join(bin, "python")
	require.NoError(t, os.WriteFile(python, []byte("#!/bin/sh\n"), 0755))

	overlay := pyenv.Overlay{"PATH": bin + string(os.PathListSeparator) + "/usr/bin"}
	res, err := env.Run(context.Background(), overlay, pyenv.RunOptions{Dir: "/src"}, "python", "setup.py", "sdist")
	require.NoError(t, err)
	assert.True(t, res.Success())

	call := runner.Calls()[0]
	assert.Equal(t, python, call.Name)
	assert.Equal(t, []string{"setup.py", "sdist"}, call.Args)
	assert.Equal(t, "/src", call.Dir)
	assert.Equal(t, overlay.Path(), call.Env["PATH"])
}

func TestRun_NonZeroExitIsAResult(t *testing.T) {
	env, runner, _ := rootedEnv(t, "3.7.0", "py370")
	runner.On("python").Fail(1, "error: invalid command 'bdist_wheel'")

	res, err := env.Run(context.Background(), pyenv.Overlay{}, pyenv.RunOptions{Capture: true}, "python", "setup.py", "bdist_wheel")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "bdist_wheel")
}

func TestInstall_AttemptsEveryPackage(t *testing.T) {
	env, runner, _ := rootedEnv(t, "3.7.0", "py370")
	runner.On("pip", "install", "broken").Fail(1, "No matching distribution found for broken")

	err := env.Install(context.Background(), pyenv.Overlay{}, "numpy", "broken", "astropy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, []string{
		"pip install numpy",
		"pip install broken",
		"pip install astropy",
	}, runner.CommandLines())
}

func TestUpgradeInstaller(t *testing.T) {
	env, runner, _ := rootedEnv(t, "3.7.0", "py370")

	require.NoError(t, env.UpgradeInstaller(context.Background(), pyenv.Overlay{}))
	assert.Equal(t, []string{"pip install --upgrade pip"}, runner.CommandLines())
}
