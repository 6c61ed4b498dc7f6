package ovs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-logr/logr"
	kexec "k8s.io/utils/exec"
)

// alarmExitStatus is what ovs-vsctl exits with when its --timeout alarm fires.
const alarmExitStatus = 128 + 14

// CommandError describes a failed external command.
type CommandError struct {
	Command    string
	Args       []string
	ExitStatus int
	Output     string
	TimedOut   bool
	Err        error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("failed to run '%s %s': %v\n  %q",
		e.Command, strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Runner executes ovs-vsctl.
type Runner struct {
	exec    kexec.Interface
	path    string
	timeout time.Duration
	logger  logr.Logger
}

// NewRunner resolves the ovs-vsctl binary. timeout is passed to ovs-vsctl
// as --timeout and also bounds the process lifetime.
func NewRunner(exec kexec.Interface, vsctl string, timeout time.Duration, logger logr.Logger) (*Runner, error) {
	if vsctl == "" {
		vsctl = "ovs-vsctl"
	}
	path, err := exec.LookPath(vsctl)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s: %w", vsctl, err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Runner{
		exec:    exec,
		path:    path,
		timeout: timeout,
		logger:  logger.WithName("vsctl"),
	}, nil
}

// Vsctl runs ovs-vsctl with args and returns its trimmed combined output.
// Failures are returned as *CommandError.
func (r *Runner) Vsctl(ctx context.Context, args ...string) (string, error) {
	secs := int(math.Ceil(r.timeout.Seconds()))
	args = append([]string{fmt.Sprintf("--timeout=%d", secs)}, args...)

	// Leave ovs-vsctl room to fire its own alarm before the context kills it.
	cctx, cancel := context.WithTimeout(ctx, r.timeout+time.Second)
	defer cancel()

	r.logger.V(2).Info("Running command", "args", args)
	output, err := r.exec.CommandContext(cctx, r.path, args...).CombinedOutput()
	if err != nil {
		cerr := &CommandError{
			Command:    r.path,
			Args:       args,
			ExitStatus: -1,
			Output:     string(output),
			Err:        err,
		}
		var exitErr kexec.ExitError
		if errors.As(err, &exitErr) {
			cerr.ExitStatus = exitErr.ExitStatus()
		}
		if cerr.ExitStatus == alarmExitStatus || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			cerr.TimedOut = true
		}
		r.logger.Error(err, "Command failed",
			"args", args, "status", cerr.ExitStatus, "timedOut", cerr.TimedOut, "output", cerr.Output)
		return "", cerr
	}

	return strings.TrimSuffix(string(output), "\n"), nil
}
