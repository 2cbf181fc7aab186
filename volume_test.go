package kanod_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	kanod "github.com/andreigiubleanu/kanod"
)

func TestVolume(t *testing.T) {
	suite.Run(t, new(VolumeTestSuite))
}

type VolumeTestSuite struct {
	CommonTestSuite
}

func (s *VolumeTestSuite) TestEnsureVolumes() {
	s.Require().NoError(s.Lab.EnsurePool())
	s.Require().NoError(s.Lab.EnsureVolumes())

	names := s.Virt.VolumeNames(s.Config.PoolName)
	s.Len(names, s.Config.FleetSize)
	s.Contains(names, "vol-1")
	s.Contains(names, "vol-2")
	s.Contains(names, "vol-3")
}

func (s *VolumeTestSuite) TestEnsureVolumesReusesExisting() {
	s.Require().NoError(s.Lab.EnsurePool())
	s.Require().NoError(s.Lab.EnsureVolumes())
	before := len(s.Virt.Ops)

	s.Require().NoError(s.Lab.EnsureVolumes())
	for i := 1; i <= s.Config.FleetSize; i++ {
		s.NotContains(s.Virt.Ops[before:], "CreateVolume "+kanod.VolumeName(i), "second run should not recreate volumes")
	}
}

func (s *VolumeTestSuite) TestEnsureVolumesWithoutPool() {
	err := s.Lab.EnsureVolumes()
	s.Error(err, "volumes need a pool to live in")
}

func (s *VolumeTestSuite) TestEnsureVolumesCreateFailure() {
	s.Require().NoError(s.Lab.EnsurePool())
	s.Virt.FailOn["CreateVolume"] = errors.New("no space left")

	err := s.Lab.EnsureVolumes()
	s.Error(err)
	s.ErrorIs(err, kanod.ErrVolumeCreate)
}

func (s *VolumeTestSuite) TestPruneVolumes() {
	s.Require().NoError(s.Lab.EnsurePool())
	s.Require().NoError(s.Lab.EnsureVolumes())

	// A bystander volume in the same pool must survive the prune.
	pool, err := s.Virt.LookupPool(s.Config.PoolName)
	s.Require().NoError(err)
	_, err = s.Virt.CreateVolume(pool, `<volume><name>precious-data</name><capacity unit="bytes">1024</capacity></volume>`)
	s.Require().NoError(err)

	s.Require().NoError(s.Lab.PruneVolumes())

	names := s.Virt.VolumeNames(s.Config.PoolName)
	s.Equal([]string{"precious-data"}, names)
}

func (s *VolumeTestSuite) TestPruneVolumesMissingPool() {
	s.NoError(s.Lab.PruneVolumes(), "missing pool is not an error")
}

func (s *VolumeTestSuite) TestPruneVolumesInactivePool() {
	s.Require().NoError(s.Lab.EnsurePool())
	s.Require().NoError(s.Lab.EnsureVolumes())
	s.Virt.DeactivatePool(s.Config.PoolName)

	s.Require().NoError(s.Lab.PruneVolumes(), "inactive pool should be left alone")
	s.Len(s.Virt.VolumeNames(s.Config.PoolName), s.Config.FleetSize)
}
