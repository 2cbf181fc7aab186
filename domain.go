package kanod

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	libvirt "github.com/digitalocean/go-libvirt"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"libvirt.org/go/libvirtxml"
)

// domainXML renders a fleet member definition: PXE-first boot order, a
// raw disk out of the lab pool, and a NIC on the lab network with the
// member's fixed MAC.
func (l *Lab) domainXML(index int) (string, error) {
	iface := libvirtxml.DomainInterface{
		MAC: &libvirtxml.DomainInterfaceMAC{
			Address: FleetMAC(index),
		},
		Source: &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{
				Network: l.cfg.NetworkName,
			},
		},
		Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
	}
	if l.cfg.Airgap {
		iface.FilterRef = &libvirtxml.DomainInterfaceFilterRef{
			Filter: l.cfg.AirgapFilter,
		}
	}

	def := &libvirtxml.Domain{
		Type:       "kvm",
		Name:       l.cfg.DomainName(index),
		OnPoweroff: "destroy",
		Memory: &libvirtxml.DomainMemory{
			Value: uint(l.cfg.MemoryMiB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: l.cfg.VCPUs,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "q35",
				Type:    "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "network"},
				{Dev: "hd"},
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{Mode: "host-passthrough"},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{{
				Device: "disk",
				Driver: &libvirtxml.DomainDiskDriver{
					Name: "qemu",
					Type: "raw",
				},
				Source: &libvirtxml.DomainDiskSource{
					Volume: &libvirtxml.DomainDiskSourceVolume{
						Pool:   l.cfg.PoolName,
						Volume: VolumeName(index),
					},
				},
				Target: &libvirtxml.DomainDiskTarget{
					Dev: "vda",
					Bus: "virtio",
				},
			}},
			Interfaces: []libvirtxml.DomainInterface{iface},
			Serials: []libvirtxml.DomainSerial{{
				Source: &libvirtxml.DomainChardevSource{
					Pty: &libvirtxml.DomainChardevSourcePty{},
				},
			}},
			Consoles: []libvirtxml.DomainConsole{{
				Source: &libvirtxml.DomainChardevSource{
					Pty: &libvirtxml.DomainChardevSourcePty{},
				},
				Target: &libvirtxml.DomainConsoleTarget{Type: "serial"},
			}},
			Graphics: []libvirtxml.DomainGraphic{{
				VNC: &libvirtxml.DomainGraphicVNC{
					AutoPort: "yes",
					Listen:   "127.0.0.1",
				},
			}},
		},
	}
	if l.cfg.TPM {
		def.Devices.TPMs = []libvirtxml.DomainTPM{{
			Model: "tpm-tis",
			Backend: &libvirtxml.DomainTPMBackend{
				Emulator: &libvirtxml.DomainTPMBackendEmulator{
					Version: "2.0",
				},
			},
		}}
	}
	return def.Marshal()
}

// CreateFleet defines and boots every fleet member, lets the guests
// settle into their PXE retry loop, then powers them all back off. The
// fleet ends defined and stopped, waiting for power commands over the
// BMC endpoints.
func (l *Lab) CreateFleet(ctx context.Context) error {
	doms := make([]libvirt.Domain, 0, l.cfg.FleetSize)
	for i := 1; i <= l.cfg.FleetSize; i++ {
		name := l.cfg.DomainName(i)
		dom, err := l.virt.LookupDomain(name)
		switch {
		case errors.Is(err, ErrNotFound):
			xml, merr := l.domainXML(i)
			if merr != nil {
				return merr
			}
			dom, err = l.virt.DefineDomain(xml)
			if err != nil {
				return fmt.Errorf("%w: %s: %s", ErrDomainCreate, name, err)
			}
			log.WithFields(log.Fields{
				"domain": name,
				"mac":    FleetMAC(i),
			}).Info("defined domain")
		case err != nil:
			return err
		}
		doms = append(doms, dom)
	}

	for _, dom := range doms {
		active, err := l.virt.DomainActive(dom)
		if err != nil {
			return err
		}
		if active {
			continue
		}
		if err := l.virt.StartDomain(dom); err != nil {
			return fmt.Errorf("%w: %s: %s", ErrDomainCreate, dom.Name, err)
		}
		log.WithField("domain", dom.Name).Info("started domain")
	}

	log.WithField("delay", l.cfg.SettleDelay).Info("waiting for guests to settle")
	if err := sleepCtx(ctx, l.cfg.SettleDelay); err != nil {
		return err
	}

	for _, dom := range doms {
		active, err := l.virt.DomainActive(dom)
		if err != nil {
			return err
		}
		if !active {
			continue
		}
		if err := l.virt.StopDomain(dom); err != nil {
			return fmt.Errorf("stopping domain %s: %w", dom.Name, err)
		}
		log.WithField("domain", dom.Name).Info("powered off domain")
	}
	return nil
}

// DestroyFleet force-stops and undefines every domain carrying the lab
// prefix, whatever fleet size created it. Individual failures do not
// stop the sweep.
func (l *Lab) DestroyFleet() error {
	doms, err := l.virt.ListDomains()
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, dom := range doms {
		if _, ok := l.cfg.fleetIndex(dom.Name); !ok {
			continue
		}
		active, err := l.virt.DomainActive(dom)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if active {
			if err := l.virt.StopDomain(dom); err != nil {
				result = multierror.Append(result, fmt.Errorf("stopping domain %s: %w", dom.Name, err))
				continue
			}
		}
		if err := l.virt.UndefineDomain(dom); err != nil {
			result = multierror.Append(result, fmt.Errorf("undefining domain %s: %w", dom.Name, err))
			continue
		}
		log.WithField("domain", dom.Name).Info("removed domain")
	}
	return result.ErrorOrNil()
}

// FleetDomains returns the defined fleet members ordered by index.
func (l *Lab) FleetDomains() ([]libvirt.Domain, error) {
	doms, err := l.virt.ListDomains()
	if err != nil {
		return nil, err
	}

	type member struct {
		index int
		dom   libvirt.Domain
	}
	var members []member
	for _, dom := range doms {
		index, ok := l.cfg.fleetIndex(dom.Name)
		if !ok {
			continue
		}
		members = append(members, member{index: index, dom: dom})
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].index < members[j].index
	})

	out := make([]libvirt.Domain, len(members))
	for i, m := range members {
		out[i] = m.dom
	}
	return out, nil
}

// sleepCtx waits out d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
