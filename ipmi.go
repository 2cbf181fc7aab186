package kanod

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	libvirt "github.com/digitalocean/go-libvirt"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/andreigiubleanu/kanod/pkg/pidfile"
)

// vbmcServerPort is the management port of the vbmcd control server,
// distinct from the per-domain IPMI ports it answers on.
const vbmcServerPort = 50891

type (
	// IPMI supervises a virtualbmc daemon plus one IPMI endpoint per
	// fleet domain. The daemon forks itself into the background and
	// records its own pid; registrations live under the daemon's
	// config directory and are driven through the vbmc client.
	IPMI struct {
		cfg   Config
		run   Runner
		names []string
	}
)

// NewIPMI creates the IPMI endpoint supervisor.
func NewIPMI(cfg Config, run Runner) *IPMI {
	return &IPMI{
		cfg: cfg,
		run: run,
	}
}

func (b *IPMI) confPath() string {
	return filepath.Join(b.cfg.vbmcDir(), "virtualbmc.conf")
}

func (b *IPMI) pidPath() string {
	return filepath.Join(b.cfg.vbmcDir(), "vbmcd.pid")
}

// env carries the config location to vbmcd and every vbmc client call.
// Daemon and client must read the same file or the client will talk to
// the wrong control port.
func (b *IPMI) env() []string {
	return []string{"VIRTUALBMC_CONFIG=" + b.confPath()}
}

func (b *IPMI) writeConf() error {
	dir := b.cfg.vbmcDir()
	conf := fmt.Sprintf(`[default]
config_dir = %s
pid_file = %s
server_port = %d

[log]
logfile = %s
debug = false
`, dir, b.pidPath(), vbmcServerPort, filepath.Join(dir, "vbmc.log"))
	return os.WriteFile(b.confPath(), []byte(conf), 0644)
}

// Setup brings up vbmcd and registers an IPMI endpoint for every fleet
// domain on its indexed port.
func (b *IPMI) Setup(ctx context.Context, domains []libvirt.Domain) error {
	if err := os.MkdirAll(b.cfg.vbmcDir(), 0755); err != nil {
		return fmt.Errorf("%w: %s", ErrBMCDaemon, err)
	}
	if err := b.writeConf(); err != nil {
		return fmt.Errorf("%w: %s", ErrBMCDaemon, err)
	}

	pid, err := pidfile.Read(b.pidPath())
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBMCDaemon, err)
	}
	if pid == 0 || !pidfile.Alive(pid) {
		out, err := b.run.Run(ctx, b.env(), "vbmcd")
		if err != nil {
			return fmt.Errorf("%w: starting vbmcd: %s: %s", ErrBMCDaemon, err, strings.TrimSpace(string(out)))
		}
		log.Info("started vbmcd")
	} else {
		log.WithField("pid", pid).Debug("vbmcd already running")
	}

	if err := b.waitDaemon(ctx); err != nil {
		return err
	}

	b.names = b.names[:0]
	for _, dom := range domains {
		index, ok := b.cfg.fleetIndex(dom.Name)
		if !ok {
			continue
		}
		port := b.cfg.BMCPort(index)
		out, err := b.run.Run(ctx, b.env(), "vbmc", "add", dom.Name,
			"--port", fmt.Sprintf("%d", port),
			"--username", b.cfg.BMCUsername,
			"--password", b.cfg.BMCPassword)
		if err != nil {
			return fmt.Errorf("%w: adding %s: %s: %s", ErrBMCRegister, dom.Name, err, strings.TrimSpace(string(out)))
		}
		out, err = b.run.Run(ctx, b.env(), "vbmc", "start", dom.Name)
		if err != nil {
			return fmt.Errorf("%w: starting %s: %s: %s", ErrBMCRegister, dom.Name, err, strings.TrimSpace(string(out)))
		}
		b.names = append(b.names, dom.Name)
		log.WithFields(log.Fields{
			"domain": dom.Name,
			"port":   port,
		}).Info("registered IPMI endpoint")
	}
	return nil
}

// waitDaemon polls the vbmc client until the daemon answers. The fork
// dance inside vbmcd finishes some time after the launching process
// returns, so the first polls routinely fail.
func (b *IPMI) waitDaemon(ctx context.Context) error {
	deadline, cancel := context.WithTimeout(ctx, b.cfg.DaemonTimeout)
	defer cancel()

	var lastOut []byte
	err := backoff.Retry(func() error {
		var err error
		lastOut, err = b.run.Run(deadline, b.env(), "vbmc", "list")
		return err
	}, backoff.WithContext(backoff.NewConstantBackOff(time.Second), deadline))
	if err != nil {
		return fmt.Errorf("%w: vbmcd not answering after %s: %s", ErrBMCDaemon, b.cfg.DaemonTimeout, strings.TrimSpace(string(lastOut)))
	}
	return nil
}

// Verify checks the daemon answers and every registered endpoint shows
// up in its listing.
func (b *IPMI) Verify(ctx context.Context) error {
	out, err := b.run.Run(ctx, b.env(), "vbmc", "list")
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrBMCDaemon, err, strings.TrimSpace(string(out)))
	}
	listing := string(out)
	for _, name := range b.names {
		if !strings.Contains(listing, name) {
			return fmt.Errorf("%w: %s missing from listing", ErrBMCRegister, name)
		}
	}
	return nil
}

// Teardown deregisters fleet endpoints, stops the daemon, and removes
// its state directory. Nothing to tear down is success.
func (b *IPMI) Teardown(ctx context.Context) error {
	var result *multierror.Error

	pid, err := pidfile.Read(b.pidPath())
	if err != nil {
		result = multierror.Append(result, err)
	}
	tracked := map[int]bool{}
	if pid != 0 {
		tracked[pid] = true
	}

	if pid != 0 && pidfile.Alive(pid) {
		for _, name := range b.listFleetNames(ctx) {
			out, err := b.run.Run(ctx, b.env(), "vbmc", "delete", name)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("deleting endpoint %s: %s: %s", name, err, strings.TrimSpace(string(out))))
				continue
			}
			log.WithField("domain", name).Info("removed IPMI endpoint")
		}
		if err := pidfile.Terminate(b.pidPath()); err != nil {
			result = multierror.Append(result, err)
		} else {
			log.WithField("pid", pid).Info("stopped vbmcd")
		}
	}

	if err := os.RemoveAll(b.cfg.vbmcDir()); err != nil {
		result = multierror.Append(result, err)
	}

	warnOrphans("vbmcd", tracked)
	return result.ErrorOrNil()
}

// listFleetNames asks the daemon for its registrations and keeps the
// ones matching the fleet naming scheme, whatever fleet size created
// them.
func (b *IPMI) listFleetNames(ctx context.Context) []string {
	out, err := b.run.Run(ctx, b.env(), "vbmc", "list")
	if err != nil {
		log.WithField("error", err).Warn("vbmc list failed during teardown")
		return nil
	}

	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(line, "|")
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSpace(fields[1])
		if _, ok := b.cfg.fleetIndex(name); ok {
			names = append(names, name)
		}
	}
	return names
}
