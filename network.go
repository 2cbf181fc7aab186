package kanod

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"libvirt.org/go/libvirtxml"
)

// networkXML renders the NAT network the lab guests attach to. Address
// handling inside the network is left to whatever provisioning stack
// answers PXE, so there is no DHCP range here.
func (l *Lab) networkXML() (string, error) {
	def := &libvirtxml.Network{
		Name: l.cfg.NetworkName,
		Forward: &libvirtxml.NetworkForward{
			Mode: "nat",
		},
		Bridge: &libvirtxml.NetworkBridge{
			Name:  l.cfg.BridgeName,
			STP:   "on",
			Delay: "0",
		},
		IPs: []libvirtxml.NetworkIP{{
			Address: l.cfg.GatewayIP,
			Netmask: l.cfg.Netmask,
		}},
	}
	return def.Marshal()
}

// EnsureNetwork makes the lab network defined, running, and set to
// autostart. An already-defined network is reused rather than replaced,
// so repeated runs converge instead of erroring.
func (l *Lab) EnsureNetwork() error {
	name := l.cfg.NetworkName
	net, err := l.virt.LookupNetwork(name)
	switch {
	case errors.Is(err, ErrNotFound):
		xml, merr := l.networkXML()
		if merr != nil {
			return merr
		}
		net, err = l.virt.DefineNetwork(xml)
		if err != nil {
			return fmt.Errorf("%w: %s: %s", ErrNetworkDefinition, name, err)
		}
		log.WithFields(log.Fields{
			"network": name,
			"bridge":  l.cfg.BridgeName,
		}).Info("defined lab network")
	case err != nil:
		return err
	default:
		log.WithField("network", name).Debug("reusing existing network")
	}

	active, err := l.virt.NetworkActive(net)
	if err != nil {
		return err
	}
	if !active {
		if err := l.virt.StartNetwork(net); err != nil {
			return fmt.Errorf("starting network %s: %w", name, err)
		}
		log.WithField("network", name).Info("started lab network")
	}
	if err := l.virt.AutostartNetwork(net); err != nil {
		return fmt.Errorf("marking network %s autostart: %w", name, err)
	}
	return nil
}

// TeardownNetwork stops and undefines the lab network. A network that
// was never created counts as already torn down.
func (l *Lab) TeardownNetwork() error {
	name := l.cfg.NetworkName
	net, err := l.virt.LookupNetwork(name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	active, err := l.virt.NetworkActive(net)
	if err != nil {
		return err
	}
	if active {
		if err := l.virt.DestroyNetwork(net); err != nil {
			return fmt.Errorf("stopping network %s: %w", name, err)
		}
	}
	if err := l.virt.UndefineNetwork(net); err != nil {
		return fmt.Errorf("undefining network %s: %w", name, err)
	}
	log.WithField("network", name).Info("removed lab network")
	return nil
}
