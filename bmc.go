package kanod

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	libvirt "github.com/digitalocean/go-libvirt"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

type (
	// BMC supervises the out-of-band management endpoints standing in
	// front of the fleet. Setup registers one endpoint per domain,
	// Verify proves the endpoints answer, and Teardown removes them.
	BMC interface {
		Setup(ctx context.Context, domains []libvirt.Domain) error
		Verify(ctx context.Context) error
		Teardown(ctx context.Context) error
	}

	// Runner executes external commands. It exists so tests can swap
	// the real daemons for a recorder.
	Runner interface {
		// Run executes a command to completion and returns its
		// combined output.
		Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
		// Launch starts a daemon in its own session with output
		// appended to logPath, returning the daemon's pid without
		// waiting for it.
		Launch(env []string, logPath, name string, args ...string) (int, error)
	}

	// ExecRunner is the Runner used outside of tests.
	ExecRunner struct{}
)

// NewBMC returns the supervisor for the configured protocol. Both
// Redfish flavors share a supervisor; the emulator serves virtual media
// on its own.
func NewBMC(cfg Config, run Runner) (BMC, error) {
	switch cfg.Protocol {
	case ProtocolIPMI:
		return NewIPMI(cfg, run), nil
	case ProtocolRedfish, ProtocolRedfishVirtualMedia:
		return NewRedfish(cfg, run), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, cfg.Protocol)
	}
}

// TeardownAllBMC removes endpoint state for every protocol, not just
// the configured one, so switching protocols between runs cannot leave
// the old daemon squatting on the ports.
func TeardownAllBMC(ctx context.Context, cfg Config, run Runner) error {
	var result *multierror.Error
	result = multierror.Append(result, NewIPMI(cfg, run).Teardown(ctx))
	result = multierror.Append(result, NewRedfish(cfg, run).Teardown(ctx))
	return result.ErrorOrNil()
}

// vbmcDir is where the lab keeps IPMI daemon state.
func (c Config) vbmcDir() string {
	return filepath.Join(c.LabDir, "vbmc")
}

// sushyDir is where the lab keeps Redfish emulator state.
func (c Config) sushyDir() string {
	return filepath.Join(c.LabDir, "sushy")
}

func (ExecRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

func (ExecRunner) Launch(env []string, logPath, name string, args ...string) (int, error) {
	out, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}

	// Reap the child when it eventually exits so it cannot linger as a
	// zombie for the life of this process.
	go func() { _ = cmd.Wait() }()

	return cmd.Process.Pid, nil
}

// findProcesses walks /proc for processes whose command line contains
// substr. It backs the orphan sweep: endpoints this tool lost track of
// still show up here.
func findProcesses(substr string) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		args := strings.ReplaceAll(string(cmdline), "\x00", " ")
		if strings.Contains(args, substr) {
			pids = append(pids, pid)
		}
	}
	return pids
}

// warnOrphans logs any process matching substr that is not in tracked.
// Orphans are reported, never killed: they may belong to another lab or
// another user.
func warnOrphans(substr string, tracked map[int]bool) {
	for _, pid := range findProcesses(substr) {
		if tracked[pid] || pid == os.Getpid() {
			continue
		}
		log.WithFields(log.Fields{
			"pid":     pid,
			"process": substr,
		}).Warn("found process not tracked by this lab")
	}
}
