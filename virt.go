package kanod

import (
	"errors"
	"fmt"
	"net/url"

	libvirt "github.com/digitalocean/go-libvirt"
)

// Virter is an interface that allows for communication with a
// virtualization backend. Lookups return ErrNotFound for absent handles
// so callers can branch without inspecting backend error codes.
type Virter interface {
	LookupNetwork(name string) (libvirt.Network, error)
	DefineNetwork(xml string) (libvirt.Network, error)
	StartNetwork(net libvirt.Network) error
	AutostartNetwork(net libvirt.Network) error
	NetworkActive(net libvirt.Network) (bool, error)
	DestroyNetwork(net libvirt.Network) error
	UndefineNetwork(net libvirt.Network) error

	LookupPool(name string) (libvirt.StoragePool, error)
	DefinePool(xml string) (libvirt.StoragePool, error)
	StartPool(pool libvirt.StoragePool) error
	AutostartPool(pool libvirt.StoragePool) error
	PoolActive(pool libvirt.StoragePool) (bool, error)
	RefreshPool(pool libvirt.StoragePool) error
	DestroyPool(pool libvirt.StoragePool) error
	UndefinePool(pool libvirt.StoragePool) error

	ListVolumes(pool libvirt.StoragePool) ([]libvirt.StorageVol, error)
	LookupVolume(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error)
	CreateVolume(pool libvirt.StoragePool, xml string) (libvirt.StorageVol, error)
	DeleteVolume(vol libvirt.StorageVol) error

	ListDomains() ([]libvirt.Domain, error)
	LookupDomain(name string) (libvirt.Domain, error)
	DefineDomain(xml string) (libvirt.Domain, error)
	StartDomain(dom libvirt.Domain) error
	StopDomain(dom libvirt.Domain) error
	UndefineDomain(dom libvirt.Domain) error
	DomainActive(dom libvirt.Domain) (bool, error)

	Close() error
}

// VirtClient talks to a libvirt daemon over its RPC socket.
type VirtClient struct {
	lv *libvirt.Libvirt
}

// ConnectVirt dials the libvirt daemon at uri. An unreachable daemon
// surfaces as ErrBackendUnavailable.
func ConnectVirt(uri string) (*VirtClient, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing libvirt uri %q: %w", uri, err)
	}
	lv, err := libvirt.ConnectToURI(parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrBackendUnavailable, uri, err)
	}
	return &VirtClient{lv: lv}, nil
}

// isLibvirtError reports whether err is a libvirt fault with the given code.
func isLibvirtError(err error, code libvirt.ErrorNumber) bool {
	var lverr libvirt.Error
	if !errors.As(err, &lverr) {
		return false
	}
	return lverr.Code == uint32(code)
}

func (c *VirtClient) LookupNetwork(name string) (libvirt.Network, error) {
	net, err := c.lv.NetworkLookupByName(name)
	if err != nil {
		if isLibvirtError(err, libvirt.ErrNoNetwork) {
			return libvirt.Network{}, fmt.Errorf("network %s: %w", name, ErrNotFound)
		}
		return libvirt.Network{}, err
	}
	return net, nil
}

func (c *VirtClient) DefineNetwork(xml string) (libvirt.Network, error) {
	return c.lv.NetworkDefineXML(xml)
}

func (c *VirtClient) StartNetwork(net libvirt.Network) error {
	return c.lv.NetworkCreate(net)
}

func (c *VirtClient) AutostartNetwork(net libvirt.Network) error {
	return c.lv.NetworkSetAutostart(net, 1)
}

func (c *VirtClient) NetworkActive(net libvirt.Network) (bool, error) {
	active, err := c.lv.NetworkIsActive(net)
	return active == 1, err
}

func (c *VirtClient) DestroyNetwork(net libvirt.Network) error {
	return c.lv.NetworkDestroy(net)
}

func (c *VirtClient) UndefineNetwork(net libvirt.Network) error {
	return c.lv.NetworkUndefine(net)
}

func (c *VirtClient) LookupPool(name string) (libvirt.StoragePool, error) {
	pool, err := c.lv.StoragePoolLookupByName(name)
	if err != nil {
		if isLibvirtError(err, libvirt.ErrNoStoragePool) {
			return libvirt.StoragePool{}, fmt.Errorf("storage pool %s: %w", name, ErrNotFound)
		}
		return libvirt.StoragePool{}, err
	}
	return pool, nil
}

func (c *VirtClient) DefinePool(xml string) (libvirt.StoragePool, error) {
	return c.lv.StoragePoolDefineXML(xml, 0)
}

func (c *VirtClient) StartPool(pool libvirt.StoragePool) error {
	return c.lv.StoragePoolCreate(pool, libvirt.StoragePoolCreateWithBuild)
}

func (c *VirtClient) AutostartPool(pool libvirt.StoragePool) error {
	return c.lv.StoragePoolSetAutostart(pool, 1)
}

func (c *VirtClient) PoolActive(pool libvirt.StoragePool) (bool, error) {
	active, err := c.lv.StoragePoolIsActive(pool)
	return active == 1, err
}

func (c *VirtClient) RefreshPool(pool libvirt.StoragePool) error {
	return c.lv.StoragePoolRefresh(pool, 0)
}

func (c *VirtClient) DestroyPool(pool libvirt.StoragePool) error {
	return c.lv.StoragePoolDestroy(pool)
}

func (c *VirtClient) UndefinePool(pool libvirt.StoragePool) error {
	return c.lv.StoragePoolUndefine(pool)
}

func (c *VirtClient) ListVolumes(pool libvirt.StoragePool) ([]libvirt.StorageVol, error) {
	vols, _, err := c.lv.StoragePoolListAllVolumes(pool, 1, 0)
	return vols, err
}

func (c *VirtClient) LookupVolume(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	vol, err := c.lv.StorageVolLookupByName(pool, name)
	if err != nil {
		if isLibvirtError(err, libvirt.ErrNoStorageVol) {
			return libvirt.StorageVol{}, fmt.Errorf("volume %s: %w", name, ErrNotFound)
		}
		return libvirt.StorageVol{}, err
	}
	return vol, nil
}

func (c *VirtClient) CreateVolume(pool libvirt.StoragePool, xml string) (libvirt.StorageVol, error) {
	return c.lv.StorageVolCreateXML(pool, xml, 0)
}

func (c *VirtClient) DeleteVolume(vol libvirt.StorageVol) error {
	return c.lv.StorageVolDelete(vol, libvirt.StorageVolDeleteNormal)
}

func (c *VirtClient) ListDomains() ([]libvirt.Domain, error) {
	flags := libvirt.ConnectListDomainsActive | libvirt.ConnectListDomainsInactive
	doms, _, err := c.lv.ConnectListAllDomains(1, flags)
	return doms, err
}

func (c *VirtClient) LookupDomain(name string) (libvirt.Domain, error) {
	dom, err := c.lv.DomainLookupByName(name)
	if err != nil {
		if isLibvirtError(err, libvirt.ErrNoDomain) {
			return libvirt.Domain{}, fmt.Errorf("domain %s: %w", name, ErrNotFound)
		}
		return libvirt.Domain{}, err
	}
	return dom, nil
}

func (c *VirtClient) DefineDomain(xml string) (libvirt.Domain, error) {
	return c.lv.DomainDefineXML(xml)
}

func (c *VirtClient) StartDomain(dom libvirt.Domain) error {
	return c.lv.DomainCreate(dom)
}

// StopDomain pulls the virtual plug. PXE loop guests have nothing to
// lose, so there is no graceful shutdown attempt.
func (c *VirtClient) StopDomain(dom libvirt.Domain) error {
	return c.lv.DomainDestroy(dom)
}

func (c *VirtClient) UndefineDomain(dom libvirt.Domain) error {
	flags := libvirt.DomainUndefineManagedSave |
		libvirt.DomainUndefineSnapshotsMetadata |
		libvirt.DomainUndefineNvram
	return c.lv.DomainUndefineFlags(dom, flags)
}

func (c *VirtClient) DomainActive(dom libvirt.Domain) (bool, error) {
	state, _, err := c.lv.DomainGetState(dom, 0)
	if err != nil {
		return false, err
	}
	return libvirt.DomainState(state) == libvirt.DomainRunning, nil
}

func (c *VirtClient) Close() error {
	return c.lv.Disconnect()
}
