package kanod

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	log "github.com/sirupsen/logrus"

	"github.com/andreigiubleanu/kanod/pkg/pidfile"
)

// Preflight verifies the host can actually run a lab before anything is
// touched. Each failure class keeps its own error so callers can report
// a distinct exit code with remediation hints.
func Preflight(cfg Config) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("%w: %s", ErrUnsupportedHost, runtime.GOOS)
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return fmt.Errorf("%w: /dev/kvm: %s (is the kvm module loaded?)", ErrKVMUnavailable, err)
	}

	var bins []string
	switch cfg.Protocol {
	case ProtocolIPMI:
		bins = []string{"vbmcd", "vbmc"}
	case ProtocolRedfish, ProtocolRedfishVirtualMedia:
		bins = []string{"sushy-emulator"}
	}
	for _, bin := range bins {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%w: %s (pip install virtualbmc / sushy-tools)", ErrEmulatorMissing, err)
		}
	}

	if cfg.RequireKubectl {
		if _, err := exec.LookPath("kubectl"); err != nil {
			return fmt.Errorf("%w: %s", ErrKubectlMissing, err)
		}
	}
	if cfg.RequireYQ {
		if _, err := exec.LookPath("yq"); err != nil {
			return fmt.Errorf("%w: %s", ErrYQMissing, err)
		}
	}
	return nil
}

// Cleanup removes everything a previous run may have left: endpoints
// for both protocols, fleet domains, and fleet disks, in that order.
// Cleanup of a host that never ran a lab is a no-op.
func (l *Lab) Cleanup(ctx context.Context) error {
	log.Info("cleaning up previous lab state")
	if err := TeardownAllBMC(ctx, l.cfg, l.run); err != nil {
		return err
	}
	if err := l.DestroyFleet(); err != nil {
		return err
	}
	if err := l.PruneVolumes(); err != nil {
		return err
	}
	return nil
}

// Up converges the host onto the configured lab. Every run starts from
// cleanup, so retrying after a failure never collides with leftovers.
func (l *Lab) Up(ctx context.Context) error {
	if err := l.Cleanup(ctx); err != nil {
		return err
	}

	if err := l.EnsureNetwork(); err != nil {
		return err
	}
	if err := l.EnsurePool(); err != nil {
		return err
	}
	if err := l.EnsureVolumes(); err != nil {
		return err
	}
	if err := l.CreateFleet(ctx); err != nil {
		return err
	}

	doms, err := l.FleetDomains()
	if err != nil {
		return err
	}
	bmc, err := NewBMC(l.cfg, l.run)
	if err != nil {
		return err
	}
	if err := bmc.Setup(ctx, doms); err != nil {
		return err
	}
	if err := bmc.Verify(ctx); err != nil {
		return err
	}

	if err := writeState(l.cfg); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"fleet":    l.cfg.FleetSize,
		"protocol": l.cfg.Protocol,
	}).Info("lab ready")
	return nil
}

// Destroy is Cleanup plus removal of the shared network, the storage
// pool, and the state snapshot.
func (l *Lab) Destroy(ctx context.Context) error {
	if err := l.Cleanup(ctx); err != nil {
		return err
	}
	if err := l.TeardownNetwork(); err != nil {
		return err
	}
	if err := l.TeardownPool(); err != nil {
		return err
	}
	if err := removeState(l.cfg); err != nil {
		return err
	}
	log.Info("lab destroyed")
	return nil
}

type (
	// Status is a read-only report of what exists right now.
	Status struct {
		State   *LabState
		Members []MemberStatus
	}

	// MemberStatus describes one fleet member and its endpoint.
	MemberStatus struct {
		Name       string
		Active     bool
		Port       int
		EndpointUp bool
	}
)

// Status reports the current fleet and endpoint liveness without
// changing anything.
func (l *Lab) Status(ctx context.Context) (*Status, error) {
	state, err := readState(l.cfg)
	if err != nil {
		return nil, err
	}

	doms, err := l.FleetDomains()
	if err != nil {
		return nil, err
	}

	status := &Status{State: state}
	for _, dom := range doms {
		index, ok := l.cfg.fleetIndex(dom.Name)
		if !ok {
			continue
		}
		active, err := l.virt.DomainActive(dom)
		if err != nil {
			return nil, err
		}
		status.Members = append(status.Members, MemberStatus{
			Name:       dom.Name,
			Active:     active,
			Port:       l.cfg.BMCPort(index),
			EndpointUp: l.endpointUp(index),
		})
	}
	return status, nil
}

// endpointUp checks pid liveness for the endpoint backing one fleet
// index. For IPMI all endpoints live in a single daemon.
func (l *Lab) endpointUp(index int) bool {
	var path string
	switch l.cfg.Protocol {
	case ProtocolIPMI:
		path = filepath.Join(l.cfg.vbmcDir(), "vbmcd.pid")
	case ProtocolRedfish, ProtocolRedfishVirtualMedia:
		path = filepath.Join(l.cfg.sushyDir(), fmt.Sprintf("sushy-%d.pid", index))
	default:
		return false
	}
	pid, err := pidfile.Read(path)
	if err != nil || pid == 0 {
		return false
	}
	return pidfile.Alive(pid)
}
