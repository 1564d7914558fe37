package osops

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
)

// fakeTool writes an executable shell script into a temp dir. Its
// arguments are appended to the returned log file.
func fakeTool(t *testing.T, name, body string) (path, log string) {
	t.Helper()
	dir := t.TempDir()
	log = filepath.Join(dir, name+".log")
	path = filepath.Join(dir, name)
	script := "#!/bin/sh\nprintf '%s\\n' \"$*\" >> " + log + "\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path, log
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func TestRunProcessCapturesOutput(t *testing.T) {
	e := New(nil)
	res, err := e.RunProcess(context.Background(), []string{"sh", "-c", "echo out; echo err >&2"}, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
}

func TestRunProcessPassesEnvironment(t *testing.T) {
	e := New(nil)
	res, err := e.RunProcess(context.Background(), []string{"sh", "-c", "echo $POOL"}, []string{"POOL=tank"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "tank\n", string(res.Stdout))
}

func TestRunProcessNonZeroExit(t *testing.T) {
	e := New(nil)
	res, err := e.RunProcess(context.Background(), []string{"sh", "-c", "echo broken >&2; exit 3"}, nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)

	var typed *errspkg.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, errspkg.KindInternal, typed.Kind)
	assert.Equal(t, 3, typed.Extra["returncode"])
	assert.Contains(t, typed.Message, "broken")
}

func TestRunProcessTimeoutTerminates(t *testing.T) {
	e := New(nil)
	started := time.Now()
	_, err := e.RunProcess(context.Background(), []string{"sleep", "5"}, nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errspkg.KindTimeout, errspkg.KindOf(err))
	assert.Less(t, time.Since(started), 3*time.Second)
}

func TestRunProcessCancellation(t *testing.T) {
	e := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := e.RunProcess(ctx, []string{"sleep", "5"}, nil, 0)
	require.Error(t, err)
	assert.Equal(t, errspkg.KindCancelled, errspkg.KindOf(err))
}

func TestRunProcessKillsAfterGrace(t *testing.T) {
	e := New(nil)
	e.KillGrace = 100 * time.Millisecond
	started := time.Now()
	_, err := e.RunProcess(context.Background(), []string{"sh", "-c", "trap '' TERM; sleep 5"}, nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(started), 3*time.Second)
}

func TestRunProcessRejectsEmptyCommand(t *testing.T) {
	_, err := New(nil).RunProcess(context.Background(), nil, nil, 0)
	assert.Equal(t, errspkg.KindValidation, errspkg.KindOf(err))
}

func TestSystemdUnitAction(t *testing.T) {
	systemctl, log := fakeTool(t, "systemctl", `[ "$1" = "is-active" ] && exit 3; exit 0`)
	e := New(nil)
	e.Systemctl = systemctl
	ctx := context.Background()

	require.NoError(t, e.SystemdUnitAction(ctx, "nfs-server.service", "restart"))
	assert.Equal(t, "restart nfs-server.service", readLog(t, log))

	err := e.SystemdUnitAction(ctx, "smbd", "is-active")
	assert.Equal(t, errspkg.KindNotFound, errspkg.KindOf(err))

	err = e.SystemdUnitAction(ctx, "smbd; rm -rf /", "start")
	assert.Equal(t, errspkg.KindValidation, errspkg.KindOf(err))

	err = e.SystemdUnitAction(ctx, "smbd", "mask")
	assert.Equal(t, errspkg.KindValidation, errspkg.KindOf(err))
}
