package kanod_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/stretchr/testify/suite"

	kanod "github.com/andreigiubleanu/kanod"
)

type CommonTestSuite struct {
	suite.Suite
	LabDir   string
	Virt     *kanod.StubVirt
	Runner   *kanod.StubRunner
	Config   kanod.Config
	Lab      *kanod.Lab
	sleepers []*exec.Cmd
}

func (s *CommonTestSuite) SetupTest() {
	var err error
	s.LabDir, err = os.MkdirTemp("", "kanodTest-")
	s.Require().NoError(err)

	s.Virt = kanod.NewStubVirt()
	s.Runner = kanod.NewStubRunner()

	cfg := kanod.DefaultConfig()
	cfg.FleetSize = 3
	cfg.LabDir = s.LabDir
	cfg.PoolPath = filepath.Join(s.LabDir, "pool")
	cfg.SettleDelay = 10 * time.Millisecond
	cfg.DaemonTimeout = 2 * time.Second
	s.Config = cfg

	s.Lab = kanod.NewLab(s.Config, s.Virt, s.Runner)
}

func (s *CommonTestSuite) TearDownTest() {
	for _, cmd := range s.sleepers {
		_ = cmd.Process.Kill()
	}
	s.sleepers = nil
	s.Require().NoError(os.RemoveAll(s.LabDir))
}

// newLab builds a Lab sharing the suite's stubs but a modified config.
func (s *CommonTestSuite) newLab(cfg kanod.Config) *kanod.Lab {
	return kanod.NewLab(cfg, s.Virt, s.Runner)
}

// spawnSleeper starts a throwaway process whose pid tests can record in
// pid files, so terminating it exercises the real signal path without
// endangering the test process. A background Wait reaps it on exit;
// a zombie would still look alive to signal 0.
func (s *CommonTestSuite) spawnSleeper() int {
	cmd := exec.Command("sleep", "300")
	s.Require().NoError(cmd.Start())
	s.sleepers = append(s.sleepers, cmd)
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid
}

// ensureLabBase creates the network, pool, and volumes most tests need
// in place before the piece under test runs.
func (s *CommonTestSuite) ensureLabBase() {
	s.Require().NoError(s.Lab.EnsureNetwork())
	s.Require().NoError(s.Lab.EnsurePool())
	s.Require().NoError(s.Lab.EnsureVolumes())
}

func testMsgFunc(prefix string) func(...interface{}) string {
	return func(val ...interface{}) string {
		if len(val) == 0 {
			return prefix
		}
		msgPrefix := prefix + " : "
		if len(val) == 1 {
			return msgPrefix + val[0].(string)
		} else {
			return msgPrefix + fmt.Sprintf(val[0].(string), val[1:]...)
		}
	}
}
