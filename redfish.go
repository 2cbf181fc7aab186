package kanod

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	libvirt "github.com/digitalocean/go-libvirt"
	"github.com/hashicorp/go-multierror"
	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/andreigiubleanu/kanod/pkg/pidfile"
)

type (
	// Redfish supervises one sushy-emulator process per fleet domain.
	// Every emulator serves a single-system Redfish tree over TLS,
	// scoped to its domain through a one-UUID allowlist, all sharing
	// the lab certificate.
	Redfish struct {
		cfg       Config
		run       Runner
		instances []redfishInstance
	}

	redfishInstance struct {
		name    string
		port    int
		pidPath string
	}
)

// NewRedfish creates the Redfish endpoint supervisor.
func NewRedfish(cfg Config, run Runner) *Redfish {
	return &Redfish{
		cfg: cfg,
		run: run,
	}
}

func (b *Redfish) certPath() string {
	return filepath.Join(b.cfg.sushyDir(), "cert.pem")
}

func (b *Redfish) keyPath() string {
	return filepath.Join(b.cfg.sushyDir(), "key.pem")
}

func (b *Redfish) confPath(index int) string {
	return filepath.Join(b.cfg.sushyDir(), fmt.Sprintf("sushy-%d.conf", index))
}

func (b *Redfish) authPath(index int) string {
	return filepath.Join(b.cfg.sushyDir(), fmt.Sprintf("auth-%d", index))
}

func (b *Redfish) logPath(index int) string {
	return filepath.Join(b.cfg.sushyDir(), fmt.Sprintf("sushy-%d.log", index))
}

func (b *Redfish) pidPath(index int) string {
	return filepath.Join(b.cfg.sushyDir(), fmt.Sprintf("sushy-%d.pid", index))
}

// writeConf renders the emulator settings file for one instance. The
// allowlist pins the emulator to exactly its own domain so a client on
// one endpoint cannot reach the rest of the fleet.
func (b *Redfish) writeConf(index, port int, domainUUID string) error {
	conf := fmt.Sprintf(`SUSHY_EMULATOR_LISTEN_IP = %q
SUSHY_EMULATOR_LISTEN_PORT = %d
SUSHY_EMULATOR_SSL_CERT = %q
SUSHY_EMULATOR_SSL_KEY = %q
SUSHY_EMULATOR_AUTH_FILE = %q
SUSHY_EMULATOR_LIBVIRT_URI = %q
SUSHY_EMULATOR_ALLOWED_INSTANCES = %q
`, b.cfg.BMCHost, port, b.certPath(), b.keyPath(), b.authPath(index), b.cfg.LibvirtURI, domainUUID)
	return os.WriteFile(b.confPath(index), []byte(conf), 0644)
}

// writeAuth renders an htpasswd-style auth file holding the single
// endpoint credential as a bcrypt hash.
func (b *Redfish) writeAuth(index int) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(b.cfg.BMCPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%s:%s\n", b.cfg.BMCUsername, hash)
	return os.WriteFile(b.authPath(index), []byte(line), 0600)
}

// Setup issues the shared TLS pair and launches one emulator per fleet
// domain on its indexed port.
func (b *Redfish) Setup(ctx context.Context, domains []libvirt.Domain) error {
	if err := os.MkdirAll(b.cfg.sushyDir(), 0755); err != nil {
		return fmt.Errorf("%w: %s", ErrBMCDaemon, err)
	}
	if err := EnsureTLSPair(b.certPath(), b.keyPath(), b.cfg.BMCHost); err != nil {
		return fmt.Errorf("%w: %s", ErrBMCDaemon, err)
	}

	b.instances = b.instances[:0]
	for _, dom := range domains {
		index, ok := b.cfg.fleetIndex(dom.Name)
		if !ok {
			continue
		}
		port := b.cfg.BMCPort(index)
		domainUUID := uuid.UUID(dom.UUID[:]).String()

		if err := b.writeConf(index, port, domainUUID); err != nil {
			return fmt.Errorf("%w: %s: %s", ErrBMCRegister, dom.Name, err)
		}
		if err := b.writeAuth(index); err != nil {
			return fmt.Errorf("%w: %s: %s", ErrBMCRegister, dom.Name, err)
		}

		pid, err := b.run.Launch(nil, b.logPath(index), "sushy-emulator", "--config", b.confPath(index))
		if err != nil {
			return fmt.Errorf("%w: launching emulator for %s: %s", ErrBMCRegister, dom.Name, err)
		}
		if err := pidfile.Write(b.pidPath(index), pid); err != nil {
			return fmt.Errorf("%w: %s: %s", ErrBMCRegister, dom.Name, err)
		}

		b.instances = append(b.instances, redfishInstance{
			name:    dom.Name,
			port:    port,
			pidPath: b.pidPath(index),
		})
		log.WithFields(log.Fields{
			"domain": dom.Name,
			"port":   port,
			"uuid":   domainUUID,
			"pid":    pid,
		}).Info("registered Redfish endpoint")
	}
	return nil
}

// Verify confirms every launched emulator is still running. A dead
// emulator points at its log file for the reason.
func (b *Redfish) Verify(ctx context.Context) error {
	for _, inst := range b.instances {
		pid, err := pidfile.Read(inst.pidPath)
		if err != nil {
			return fmt.Errorf("%w: %s: %s", ErrBMCDaemon, inst.name, err)
		}
		if pid == 0 || !pidfile.Alive(pid) {
			index, _ := b.cfg.fleetIndex(inst.name)
			return fmt.Errorf("%w: emulator for %s on port %d died, see %s",
				ErrBMCDaemon, inst.name, inst.port, b.logPath(index))
		}
	}
	return nil
}

// Teardown stops every emulator recorded under the state directory and
// removes it. Endpoints from larger past fleets are covered because
// teardown walks pid files rather than the configured fleet size.
func (b *Redfish) Teardown(ctx context.Context) error {
	var result *multierror.Error

	tracked := map[int]bool{}
	matches, err := filepath.Glob(filepath.Join(b.cfg.sushyDir(), "sushy-*.pid"))
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, pidPath := range matches {
		pid, err := pidfile.Read(pidPath)
		if err == nil && pid != 0 {
			tracked[pid] = true
		}
		if err := pidfile.Terminate(pidPath); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping emulator %s: %w", filepath.Base(pidPath), err))
			continue
		}
		log.WithField("pidfile", filepath.Base(pidPath)).Info("stopped Redfish emulator")
	}

	if err := os.RemoveAll(b.cfg.sushyDir()); err != nil {
		result = multierror.Append(result, err)
	}

	warnOrphans("sushy-emulator", tracked)
	return result.ErrorOrNil()
}
