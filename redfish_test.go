package kanod_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	libvirt "github.com/digitalocean/go-libvirt"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	kanod "github.com/andreigiubleanu/kanod"
)

func TestRedfish(t *testing.T) {
	suite.Run(t, new(RedfishTestSuite))
}

type RedfishTestSuite struct {
	CommonTestSuite
}

func (s *RedfishTestSuite) redfishCfg() kanod.Config {
	cfg := s.Config
	cfg.Protocol = kanod.ProtocolRedfish
	cfg.FleetSize = 2
	return cfg
}

func (s *RedfishTestSuite) sushyDir() string {
	return filepath.Join(s.LabDir, "sushy")
}

// fleet builds domains with fixed UUIDs so tests can predict the
// allowlist values.
func (s *RedfishTestSuite) fleet(n int) []libvirt.Domain {
	doms := make([]libvirt.Domain, n)
	for i := range doms {
		var id libvirt.UUID
		id[15] = byte(i + 1)
		doms[i] = libvirt.Domain{Name: s.Config.DomainName(i + 1), UUID: id}
	}
	return doms
}

func (s *RedfishTestSuite) TestSetup() {
	bmc := kanod.NewRedfish(s.redfishCfg(), s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet(2)))

	for _, name := range []string{
		"cert.pem", "key.pem",
		"sushy-1.conf", "sushy-2.conf",
		"auth-1", "auth-2",
		"sushy-1.pid", "sushy-2.pid",
	} {
		_, err := os.Stat(filepath.Join(s.sushyDir(), name))
		s.NoError(err, "%s should exist", name)
	}

	s.Require().Len(s.Runner.Launches, 2)
	for i, launch := range s.Runner.Launches {
		s.Equal("sushy-emulator", launch.Name)
		s.Equal([]string{"--config", filepath.Join(s.sushyDir(), fmt.Sprintf("sushy-%d.conf", i+1))}, launch.Args)
		s.Equal(filepath.Join(s.sushyDir(), fmt.Sprintf("sushy-%d.log", i+1)), launch.LogPath)
	}
}

func (s *RedfishTestSuite) TestSetupConfPinsInstance() {
	bmc := kanod.NewRedfish(s.redfishCfg(), s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet(2)))

	raw, err := os.ReadFile(filepath.Join(s.sushyDir(), "sushy-1.conf"))
	s.Require().NoError(err)
	conf := string(raw)
	s.Contains(conf, `SUSHY_EMULATOR_LISTEN_IP = "192.168.133.1"`)
	s.Contains(conf, "SUSHY_EMULATOR_LISTEN_PORT = 5001")
	s.Contains(conf, fmt.Sprintf(`SUSHY_EMULATOR_SSL_CERT = %q`, filepath.Join(s.sushyDir(), "cert.pem")))
	s.Contains(conf, fmt.Sprintf(`SUSHY_EMULATOR_AUTH_FILE = %q`, filepath.Join(s.sushyDir(), "auth-1")))
	s.Contains(conf, fmt.Sprintf(`SUSHY_EMULATOR_LIBVIRT_URI = %q`, s.Config.LibvirtURI))
	s.Contains(conf, `SUSHY_EMULATOR_ALLOWED_INSTANCES = "00000000-0000-0000-0000-000000000001"`)

	raw, err = os.ReadFile(filepath.Join(s.sushyDir(), "sushy-2.conf"))
	s.Require().NoError(err)
	conf = string(raw)
	s.Contains(conf, "SUSHY_EMULATOR_LISTEN_PORT = 5002")
	s.Contains(conf, `SUSHY_EMULATOR_ALLOWED_INSTANCES = "00000000-0000-0000-0000-000000000002"`)
}

func (s *RedfishTestSuite) TestSetupSharesTLSPair() {
	bmc := kanod.NewRedfish(s.redfishCfg(), s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet(2)))

	pems, err := filepath.Glob(filepath.Join(s.sushyDir(), "*.pem"))
	s.Require().NoError(err)
	s.Len(pems, 2, "one certificate and one key for the whole fleet")

	want := fmt.Sprintf(`SUSHY_EMULATOR_SSL_CERT = %q`, filepath.Join(s.sushyDir(), "cert.pem"))
	for i := 1; i <= 2; i++ {
		raw, err := os.ReadFile(filepath.Join(s.sushyDir(), fmt.Sprintf("sushy-%d.conf", i)))
		s.Require().NoError(err)
		s.Contains(string(raw), want)
	}
}

func (s *RedfishTestSuite) TestSetupAuthFile() {
	bmc := kanod.NewRedfish(s.redfishCfg(), s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet(2)))

	authPath := filepath.Join(s.sushyDir(), "auth-1")
	info, err := os.Stat(authPath)
	s.Require().NoError(err)
	s.Equal(os.FileMode(0600), info.Mode().Perm(), "credentials must be owner-only")

	raw, err := os.ReadFile(authPath)
	s.Require().NoError(err)
	parts := strings.SplitN(strings.TrimSpace(string(raw)), ":", 2)
	s.Require().Len(parts, 2)
	s.Equal(s.Config.BMCUsername, parts[0])
	s.NoError(bcrypt.CompareHashAndPassword([]byte(parts[1]), []byte(s.Config.BMCPassword)))
}

func (s *RedfishTestSuite) TestVerify() {
	bmc := kanod.NewRedfish(s.redfishCfg(), s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet(2)))
	s.NoError(bmc.Verify(context.Background()))
}

func (s *RedfishTestSuite) TestVerifyDeadEmulator() {
	bmc := kanod.NewRedfish(s.redfishCfg(), s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet(2)))

	// A pid far past pid_max can never name a live process.
	pidPath := filepath.Join(s.sushyDir(), "sushy-2.pid")
	s.Require().NoError(os.WriteFile(pidPath, []byte("1073741824\n"), 0644))

	err := bmc.Verify(context.Background())
	s.Error(err)
	s.ErrorIs(err, kanod.ErrBMCDaemon)
	s.Contains(err.Error(), "5002")
	s.Contains(err.Error(), "sushy-2.log")
}

func (s *RedfishTestSuite) TestTeardown() {
	s.Runner.LaunchPID = s.spawnSleeper()

	bmc := kanod.NewRedfish(s.redfishCfg(), s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet(2)))
	s.Require().NoError(bmc.Teardown(context.Background()))

	_, err := os.Stat(s.sushyDir())
	s.True(os.IsNotExist(err), "state directory should be removed")
}

func (s *RedfishTestSuite) TestTeardownCoversStalePidFiles() {
	// No Setup ran here. Teardown must still stop whatever pid files an
	// earlier, larger fleet left behind.
	s.Require().NoError(os.MkdirAll(s.sushyDir(), 0755))
	pidPath := filepath.Join(s.sushyDir(), "sushy-9.pid")
	s.Require().NoError(os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", s.spawnSleeper())), 0644))

	bmc := kanod.NewRedfish(s.redfishCfg(), s.Runner)
	s.Require().NoError(bmc.Teardown(context.Background()))

	_, err := os.Stat(s.sushyDir())
	s.True(os.IsNotExist(err))
}

func (s *RedfishTestSuite) TestTeardownNothingRunning() {
	bmc := kanod.NewRedfish(s.redfishCfg(), s.Runner)
	s.NoError(bmc.Teardown(context.Background()), "nothing to tear down is success")
}
