// Package osops runs operating system commands on behalf of method
// handlers: plain processes, systemd unit actions and POSIX ACLs.
package osops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
)

// DefaultKillGrace is how long a process may run after SIGTERM before it is
// killed.
const DefaultKillGrace = 5 * time.Second

// Services is the OS surface handlers depend on.
type Services interface {
	RunProcess(ctx context.Context, argv []string, env []string, timeout time.Duration) (*ProcessResult, error)
	SystemdUnitAction(ctx context.Context, unit, action string) error
	GetACL(ctx context.Context, path string) (*ACL, error)
	SetACL(ctx context.Context, path string, acl *ACL, recursive bool) error
}

// ProcessResult is the outcome of a process that ran to completion.
type ProcessResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Exec implements Services with os/exec. The zero value is not usable; use
// New.
type Exec struct {
	Systemctl string
	Getfacl   string
	Setfacl   string
	KillGrace time.Duration

	log loggingpkg.ServiceLogger
}

func New(log loggingpkg.ServiceLogger) *Exec {
	if log == nil {
		log = loggingpkg.Discard()
	}
	return &Exec{
		Systemctl: "systemctl",
		Getfacl:   "getfacl",
		Setfacl:   "setfacl",
		KillGrace: DefaultKillGrace,
		log:       log.With(loggingpkg.LogFields{"component": "osops"}),
	}
}

// RunProcess runs argv and waits for it. A non-zero exit status is an
// Internal error carrying the exit code and stderr. Cancellation and
// timeout send SIGTERM, then SIGKILL after the kill grace.
func (e *Exec) RunProcess(ctx context.Context, argv []string, env []string, timeout time.Duration) (*ProcessResult, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errspkg.New(errspkg.KindValidation, "empty command line")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.KillGrace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.log.Debug("Running process", loggingpkg.LogFields{"argv": strings.Join(argv, " ")})
	started := time.Now()
	err := cmd.Run()
	res := &ProcessResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(started),
	}
	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		kind := errspkg.KindCancelled
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			kind = errspkg.KindTimeout
		}
		return res, errspkg.Wrap(kind, ctxErr, argv[0]+" terminated")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, errspkg.New(errspkg.KindInternal, "%s exited with status %d: %s",
			argv[0], res.ExitCode, strings.TrimSpace(string(res.Stderr))).
			WithExtra("returncode", res.ExitCode)
	}
	return res, errspkg.Wrap(errspkg.KindInternal, err, "run "+argv[0])
}

var unitName = regexp.MustCompile(`^[A-Za-z0-9:_.@-]+$`)

var unitActions = map[string]struct{}{
	"start": {}, "stop": {}, "restart": {}, "reload": {},
	"enable": {}, "disable": {}, "is-active": {},
}

// SystemdUnitAction runs "systemctl <action> <unit>". For is-active a
// non-zero status means the unit is not running and is reported as
// NotFound.
func (e *Exec) SystemdUnitAction(ctx context.Context, unit, action string) error {
	if !unitName.MatchString(unit) {
		return errspkg.Validation(errspkg.Issue{Path: "unit", Message: fmt.Sprintf("invalid unit name %q", unit)})
	}
	if _, ok := unitActions[action]; !ok {
		return errspkg.Validation(errspkg.Issue{Path: "action", Message: fmt.Sprintf("unsupported action %q", action)})
	}
	_, err := e.RunProcess(ctx, []string{e.Systemctl, action, unit}, nil, 0)
	if err != nil && action == "is-active" && errspkg.KindOf(err) == errspkg.KindInternal {
		return errspkg.New(errspkg.KindNotFound, "unit %s is not active", unit)
	}
	return err
}
