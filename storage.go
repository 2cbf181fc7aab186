package kanod

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"libvirt.org/go/libvirtxml"
)

// poolXML renders the directory-backed pool that holds the fleet disks.
func (l *Lab) poolXML() (string, error) {
	def := &libvirtxml.StoragePool{
		Type: "dir",
		Name: l.cfg.PoolName,
		Target: &libvirtxml.StoragePoolTarget{
			Path: l.cfg.PoolPath,
		},
	}
	return def.Marshal()
}

// EnsurePool makes the lab storage pool defined, running, and set to
// autostart, creating the backing directory first. Like the network,
// an existing pool is reused.
func (l *Lab) EnsurePool() error {
	name := l.cfg.PoolName
	pool, err := l.virt.LookupPool(name)
	switch {
	case errors.Is(err, ErrNotFound):
		if merr := os.MkdirAll(l.cfg.PoolPath, 0755); merr != nil {
			return fmt.Errorf("%w: %s: %s", ErrPoolDefinition, name, merr)
		}
		xml, merr := l.poolXML()
		if merr != nil {
			return merr
		}
		pool, err = l.virt.DefinePool(xml)
		if err != nil {
			return fmt.Errorf("%w: %s: %s", ErrPoolDefinition, name, err)
		}
		log.WithFields(log.Fields{
			"pool": name,
			"path": l.cfg.PoolPath,
		}).Info("defined storage pool")
	case err != nil:
		return err
	default:
		log.WithField("pool", name).Debug("reusing existing storage pool")
	}

	active, err := l.virt.PoolActive(pool)
	if err != nil {
		return err
	}
	if !active {
		if err := l.virt.StartPool(pool); err != nil {
			return fmt.Errorf("starting pool %s: %w", name, err)
		}
		log.WithField("pool", name).Info("started storage pool")
	}
	if err := l.virt.AutostartPool(pool); err != nil {
		return fmt.Errorf("marking pool %s autostart: %w", name, err)
	}
	return nil
}

// TeardownPool stops and undefines the storage pool. The backing
// directory and any files in it stay on disk.
func (l *Lab) TeardownPool() error {
	name := l.cfg.PoolName
	pool, err := l.virt.LookupPool(name)
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
	if active {
		if err := l.virt.DestroyPool(pool); err != nil {
			return fmt.Errorf("stopping pool %s: %w", name, err)
		}
	}
	if err := l.virt.UndefinePool(pool); err != nil {
		return fmt.Errorf("undefining pool %s: %w", name, err)
	}
	log.WithField("pool", name).Info("removed storage pool")
	return nil
}
