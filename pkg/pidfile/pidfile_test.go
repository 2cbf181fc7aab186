package pidfile_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/andreigiubleanu/kanod/pkg/pidfile"
)

func TestPidfile(t *testing.T) {
	suite.Run(t, new(PidfileTestSuite))
}

type PidfileTestSuite struct {
	suite.Suite
	Dir      string
	sleepers []*exec.Cmd
}

func (s *PidfileTestSuite) SetupTest() {
	var err error
	s.Dir, err = os.MkdirTemp("", "pidfileTest-")
	s.Require().NoError(err)
}

func (s *PidfileTestSuite) TearDownTest() {
	for _, cmd := range s.sleepers {
		_ = cmd.Process.Kill()
	}
	s.sleepers = nil
	s.Require().NoError(os.RemoveAll(s.Dir))
}

func (s *PidfileTestSuite) path() string {
	return filepath.Join(s.Dir, "daemon.pid")
}

// spawnSleeper starts a process for signal tests, reaped in the
// background so its exit is visible to signal 0.
func (s *PidfileTestSuite) spawnSleeper() int {
	cmd := exec.Command("sleep", "300")
	s.Require().NoError(cmd.Start())
	s.sleepers = append(s.sleepers, cmd)
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid
}

func (s *PidfileTestSuite) TestWriteRead() {
	s.Require().NoError(pidfile.Write(s.path(), 1234))

	data, err := os.ReadFile(s.path())
	s.Require().NoError(err)
	s.Equal("1234\n", string(data))

	pid, err := pidfile.Read(s.path())
	s.Require().NoError(err)
	s.Equal(1234, pid)
}

func (s *PidfileTestSuite) TestReadMissing() {
	pid, err := pidfile.Read(s.path())
	s.NoError(err, "a missing file is not an error")
	s.Equal(0, pid)
}

func (s *PidfileTestSuite) TestReadMalformed() {
	s.Require().NoError(os.WriteFile(s.path(), []byte("not a pid\n"), 0644))
	_, err := pidfile.Read(s.path())
	s.Error(err)
}

func (s *PidfileTestSuite) TestAlive() {
	s.True(pidfile.Alive(os.Getpid()))
	s.False(pidfile.Alive(0))
	s.False(pidfile.Alive(-1))
	s.False(pidfile.Alive(1073741824), "pids past pid_max cannot be alive")
}

func (s *PidfileTestSuite) TestTerminate() {
	pid := s.spawnSleeper()
	s.Require().NoError(pidfile.Write(s.path(), pid))

	s.Require().NoError(pidfile.Terminate(s.path()))

	s.False(pidfile.Alive(pid), "process should be gone")
	_, err := os.Stat(s.path())
	s.True(os.IsNotExist(err), "pid file should be removed")
}

func (s *PidfileTestSuite) TestTerminateDeadProcess() {
	s.Require().NoError(pidfile.Write(s.path(), 1073741824))
	s.NoError(pidfile.Terminate(s.path()))

	_, err := os.Stat(s.path())
	s.True(os.IsNotExist(err))
}

func (s *PidfileTestSuite) TestTerminateMissingFile() {
	s.NoError(pidfile.Terminate(s.path()), "nothing to stop is success")
}

func (s *PidfileTestSuite) TestTerminateMalformed() {
	s.Require().NoError(os.WriteFile(s.path(), []byte("garbage\n"), 0644))
	s.Error(pidfile.Terminate(s.path()))
}
