package kanod_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	libvirt "github.com/digitalocean/go-libvirt"
	"github.com/stretchr/testify/suite"

	kanod "github.com/andreigiubleanu/kanod"
)

func TestIPMI(t *testing.T) {
	suite.Run(t, new(IPMITestSuite))
}

type IPMITestSuite struct {
	CommonTestSuite
}

func (s *IPMITestSuite) vbmcDir() string {
	return filepath.Join(s.LabDir, "vbmc")
}

func (s *IPMITestSuite) fleet() []libvirt.Domain {
	doms := make([]libvirt.Domain, s.Config.FleetSize)
	for i := range doms {
		doms[i] = libvirt.Domain{Name: s.Config.DomainName(i + 1)}
	}
	return doms
}

func (s *IPMITestSuite) TestSetup() {
	bmc := kanod.NewIPMI(s.Config, s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet()))

	s.True(s.Runner.DaemonRunning())
	endpoints := s.Runner.Endpoints()
	s.Require().Len(endpoints, s.Config.FleetSize)
	s.Equal(5001, endpoints["vmok-1"])
	s.Equal(5002, endpoints["vmok-2"])
	s.Equal(5003, endpoints["vmok-3"])
}

func (s *IPMITestSuite) TestSetupWritesConf() {
	bmc := kanod.NewIPMI(s.Config, s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet()))

	raw, err := os.ReadFile(filepath.Join(s.vbmcDir(), "virtualbmc.conf"))
	s.Require().NoError(err)
	conf := string(raw)
	s.Contains(conf, "[default]")
	s.Contains(conf, "config_dir = "+s.vbmcDir())
	s.Contains(conf, "pid_file = "+filepath.Join(s.vbmcDir(), "vbmcd.pid"))
	s.Contains(conf, "server_port = 50891")
	s.Contains(conf, "[log]")
}

func (s *IPMITestSuite) TestSetupEnvCarriesConfig() {
	bmc := kanod.NewIPMI(s.Config, s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet()))

	want := "VIRTUALBMC_CONFIG=" + filepath.Join(s.vbmcDir(), "virtualbmc.conf")
	s.Require().NotEmpty(s.Runner.Calls)
	for _, call := range s.Runner.Calls {
		s.Contains(call.Env, want, "every %s call must see the lab config", call.Name)
	}
}

func (s *IPMITestSuite) TestSetupRegistersWithCredentials() {
	bmc := kanod.NewIPMI(s.Config, s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet()))

	var add *kanod.StubCall
	for i := range s.Runner.Calls {
		call := &s.Runner.Calls[i]
		if call.Name == "vbmc" && len(call.Args) > 1 && call.Args[0] == "add" && call.Args[1] == "vmok-1" {
			add = call
			break
		}
	}
	s.Require().NotNil(add, "vmok-1 should have been added")
	s.Contains(add.Args, "--username")
	s.Contains(add.Args, s.Config.BMCUsername)
	s.Contains(add.Args, "--password")
	s.Contains(add.Args, s.Config.BMCPassword)
}

func (s *IPMITestSuite) TestSetupReusesRunningDaemon() {
	s.Runner.PidFilePath = filepath.Join(s.vbmcDir(), "vbmcd.pid")

	bmc := kanod.NewIPMI(s.Config, s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet()))

	launches := 0
	for _, call := range s.Runner.Calls {
		if call.Name == "vbmcd" {
			launches++
		}
	}
	s.Equal(1, launches, "first run should start the daemon")

	// Clear registrations as a teardown would, then set up again. The
	// still-running daemon must be reused, not relaunched.
	for name := range s.Runner.Endpoints() {
		_, err := s.Runner.Run(context.Background(), nil, "vbmc", "delete", name)
		s.Require().NoError(err)
	}
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet()))

	launches = 0
	for _, call := range s.Runner.Calls {
		if call.Name == "vbmcd" {
			launches++
		}
	}
	s.Equal(1, launches, "second run should reuse the daemon")
}

func (s *IPMITestSuite) TestSetupRidesOutSlowDaemon() {
	s.Runner.ListFailures = 1

	bmc := kanod.NewIPMI(s.Config, s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet()))
	s.Len(s.Runner.Endpoints(), s.Config.FleetSize)
}

func (s *IPMITestSuite) TestSetupDaemonNeverAnswers() {
	cfg := s.Config
	cfg.DaemonTimeout = 300 * time.Millisecond
	s.Runner.ListFailures = 1000

	bmc := kanod.NewIPMI(cfg, s.Runner)
	err := bmc.Setup(context.Background(), s.fleet())
	s.Error(err)
	s.ErrorIs(err, kanod.ErrBMCDaemon)
}

func (s *IPMITestSuite) TestSetupDaemonStartFailure() {
	s.Runner.FailOn["vbmcd"] = errors.New("executable file not found")

	bmc := kanod.NewIPMI(s.Config, s.Runner)
	err := bmc.Setup(context.Background(), s.fleet())
	s.Error(err)
	s.ErrorIs(err, kanod.ErrBMCDaemon)
}

func (s *IPMITestSuite) TestSetupRegisterFailure() {
	s.Runner.FailOn["vbmc add"] = errors.New("port already in use")

	bmc := kanod.NewIPMI(s.Config, s.Runner)
	err := bmc.Setup(context.Background(), s.fleet())
	s.Error(err)
	s.ErrorIs(err, kanod.ErrBMCRegister)
}

func (s *IPMITestSuite) TestVerify() {
	bmc := kanod.NewIPMI(s.Config, s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet()))
	s.NoError(bmc.Verify(context.Background()))
}

func (s *IPMITestSuite) TestVerifyMissingEndpoint() {
	bmc := kanod.NewIPMI(s.Config, s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet()))

	_, err := s.Runner.Run(context.Background(), nil, "vbmc", "delete", "vmok-2")
	s.Require().NoError(err)

	err = bmc.Verify(context.Background())
	s.Error(err)
	s.ErrorIs(err, kanod.ErrBMCRegister)
	s.Contains(err.Error(), "vmok-2")
}

func (s *IPMITestSuite) TestTeardown() {
	s.Runner.PidFilePath = filepath.Join(s.vbmcDir(), "vbmcd.pid")
	s.Runner.LaunchPID = s.spawnSleeper()

	bmc := kanod.NewIPMI(s.Config, s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet()))
	s.Require().NoError(bmc.Teardown(context.Background()))

	s.Empty(s.Runner.Endpoints(), "registrations should be deleted")
	_, err := os.Stat(s.vbmcDir())
	s.True(os.IsNotExist(err), "state directory should be removed")
}

func (s *IPMITestSuite) TestTeardownKeepsStrangerRegistrations() {
	s.Runner.PidFilePath = filepath.Join(s.vbmcDir(), "vbmcd.pid")
	s.Runner.LaunchPID = s.spawnSleeper()
	s.Runner.SeedEndpoint("somebody-else", 7001)

	bmc := kanod.NewIPMI(s.Config, s.Runner)
	s.Require().NoError(bmc.Setup(context.Background(), s.fleet()))
	s.Require().NoError(bmc.Teardown(context.Background()))

	endpoints := s.Runner.Endpoints()
	s.Len(endpoints, 1)
	s.Contains(endpoints, "somebody-else")
}

func (s *IPMITestSuite) TestTeardownNothingRunning() {
	bmc := kanod.NewIPMI(s.Config, s.Runner)
	s.NoError(bmc.Teardown(context.Background()), "nothing to tear down is success")
}
