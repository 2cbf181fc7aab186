package kanod

import (
	"errors"
	"fmt"
	"regexp"

	log "github.com/sirupsen/logrus"
	"libvirt.org/go/libvirtxml"
)

// volPattern matches fleet disk names regardless of the fleet size that
// created them, so cleanup after shrinking a lab still finds every disk.
var volPattern = regexp.MustCompile(`^vol-\d+$`)

// volumeXML renders a raw-format disk of the configured capacity.
func (l *Lab) volumeXML(index int) (string, error) {
	def := &libvirtxml.StorageVolume{
		Name: VolumeName(index),
		Capacity: &libvirtxml.StorageVolumeSize{
			Unit:  "bytes",
			Value: l.cfg.DiskBytes(),
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: "raw",
			},
		},
	}
	return def.Marshal()
}

// EnsureVolumes creates the fleet disks vol-1 through vol-N in the lab
// pool. Disks that already exist are kept, contents and all.
func (l *Lab) EnsureVolumes() error {
	pool, err := l.virt.LookupPool(l.cfg.PoolName)
	if err != nil {
		return err
	}

	for i := 1; i <= l.cfg.FleetSize; i++ {
		name := VolumeName(i)
		_, err := l.virt.LookupVolume(pool, name)
		if err == nil {
			log.WithField("volume", name).Debug("reusing existing volume")
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		xml, err := l.volumeXML(i)
		if err != nil {
			return err
		}
		if _, err := l.virt.CreateVolume(pool, xml); err != nil {
			return fmt.Errorf("%w: %s: %s", ErrVolumeCreate, name, err)
		}
		log.WithFields(log.Fields{
			"volume":   name,
			"size_gib": l.cfg.DiskGiB,
		}).Info("created volume")
	}
	return nil
}

// PruneVolumes deletes every fleet disk in the lab pool. A missing pool
// means there is nothing to prune. An inactive pool cannot list or
// delete volumes, so pruning is skipped with a warning rather than
// failing the whole cleanup.
func (l *Lab) PruneVolumes() error {
	pool, err := l.virt.LookupPool(l.cfg.PoolName)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	active, err := l.virt.PoolActive(pool)
	if err != nil {
		return err
	}
	if !active {
		log.WithField("pool", l.cfg.PoolName).Warn("pool inactive, leaving volumes in place")
		return nil
	}

	if err := l.virt.RefreshPool(pool); err != nil {
		return fmt.Errorf("refreshing pool %s: %w", l.cfg.PoolName, err)
	}
	vols, err := l.virt.ListVolumes(pool)
	if err != nil {
		return err
	}
	for _, vol := range vols {
		if !volPattern.MatchString(vol.Name) {
			continue
		}
		if err := l.virt.DeleteVolume(vol); err != nil {
			return fmt.Errorf("deleting volume %s: %w", vol.Name, err)
		}
		log.WithField("volume", vol.Name).Info("deleted volume")
	}
	return nil
}
