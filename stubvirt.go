package kanod

import (
	"errors"
	"fmt"
	"sync"

	libvirt "github.com/digitalocean/go-libvirt"
	"github.com/pborman/uuid"
	"libvirt.org/go/libvirtxml"
)

type (
	// StubVirt is a Virter backed by in-memory maps for testing. It keeps
	// just enough backend semantics to exercise callers: lookups miss with
	// ErrNotFound, starting twice fails, inactive pools refuse volume
	// operations.
	StubVirt struct {
		mu       sync.Mutex
		networks map[string]*stubNetwork
		pools    map[string]*stubPool
		domains  map[string]*stubDomain

		// FailOn maps a method name to an error that method returns
		// instead of operating. Tests use it to simulate backend faults.
		FailOn map[string]error

		// Ops records mutating calls in order.
		Ops []string
	}

	stubNetwork struct {
		xml       string
		active    bool
		autostart bool
	}

	stubPool struct {
		xml       string
		active    bool
		autostart bool
		volumes   map[string]string
	}

	stubDomain struct {
		xml    string
		uuid   libvirt.UUID
		active bool
	}
)

// NewStubVirt creates an empty in-memory backend.
func NewStubVirt() *StubVirt {
	return &StubVirt{
		networks: make(map[string]*stubNetwork),
		pools:    make(map[string]*stubPool),
		domains:  make(map[string]*stubDomain),
		FailOn:   make(map[string]error),
	}
}

func (s *StubVirt) fail(op string) error {
	return s.FailOn[op]
}

func (s *StubVirt) record(op string) {
	s.Ops = append(s.Ops, op)
}

// NetworkXML returns the stored definition for a defined network.
func (s *StubVirt) NetworkXML(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if net, ok := s.networks[name]; ok {
		return net.xml
	}
	return ""
}

// DomainXML returns the stored definition for a defined domain.
func (s *StubVirt) DomainXML(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dom, ok := s.domains[name]; ok {
		return dom.xml
	}
	return ""
}

// DomainRunning reports whether a defined domain is started.
func (s *StubVirt) DomainRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	dom, ok := s.domains[name]
	return ok && dom.active
}

// VolumeNames returns the volumes present in a pool.
func (s *StubVirt) VolumeNames(pool string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[pool]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(p.volumes))
	for name := range p.volumes {
		names = append(names, name)
	}
	return names
}

// DeactivatePool marks a pool inactive, as after a daemon restart.
func (s *StubVirt) DeactivatePool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pools[name]; ok {
		p.active = false
	}
}

func (s *StubVirt) LookupNetwork(name string) (libvirt.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("LookupNetwork"); err != nil {
		return libvirt.Network{}, err
	}
	if _, ok := s.networks[name]; !ok {
		return libvirt.Network{}, fmt.Errorf("network %s: %w", name, ErrNotFound)
	}
	return libvirt.Network{Name: name}, nil
}

func (s *StubVirt) DefineNetwork(xml string) (libvirt.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DefineNetwork"); err != nil {
		return libvirt.Network{}, err
	}
	var def libvirtxml.Network
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.Network{}, err
	}
	s.networks[def.Name] = &stubNetwork{xml: xml}
	s.record("DefineNetwork " + def.Name)
	return libvirt.Network{Name: def.Name}, nil
}

func (s *StubVirt) StartNetwork(net libvirt.Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("StartNetwork"); err != nil {
		return err
	}
	n, ok := s.networks[net.Name]
	if !ok {
		return fmt.Errorf("network %s: %w", net.Name, ErrNotFound)
	}
	if n.active {
		return errors.New("network is already active")
	}
	n.active = true
	s.record("StartNetwork " + net.Name)
	return nil
}

func (s *StubVirt) AutostartNetwork(net libvirt.Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AutostartNetwork"); err != nil {
		return err
	}
	n, ok := s.networks[net.Name]
	if !ok {
		return fmt.Errorf("network %s: %w", net.Name, ErrNotFound)
	}
	n.autostart = true
	return nil
}

func (s *StubVirt) NetworkActive(net libvirt.Network) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("NetworkActive"); err != nil {
		return false, err
	}
	n, ok := s.networks[net.Name]
	if !ok {
		return false, fmt.Errorf("network %s: %w", net.Name, ErrNotFound)
	}
	return n.active, nil
}

func (s *StubVirt) DestroyNetwork(net libvirt.Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DestroyNetwork"); err != nil {
		return err
	}
	n, ok := s.networks[net.Name]
	if !ok {
		return fmt.Errorf("network %s: %w", net.Name, ErrNotFound)
	}
	if !n.active {
		return errors.New("network is not active")
	}
	n.active = false
	s.record("DestroyNetwork " + net.Name)
	return nil
}

func (s *StubVirt) UndefineNetwork(net libvirt.Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UndefineNetwork"); err != nil {
		return err
	}
	if _, ok := s.networks[net.Name]; !ok {
		return fmt.Errorf("network %s: %w", net.Name, ErrNotFound)
	}
	delete(s.networks, net.Name)
	s.record("UndefineNetwork " + net.Name)
	return nil
}

func (s *StubVirt) LookupPool(name string) (libvirt.StoragePool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("LookupPool"); err != nil {
		return libvirt.StoragePool{}, err
	}
	if _, ok := s.pools[name]; !ok {
		return libvirt.StoragePool{}, fmt.Errorf("storage pool %s: %w", name, ErrNotFound)
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (s *StubVirt) DefinePool(xml string) (libvirt.StoragePool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DefinePool"); err != nil {
		return libvirt.StoragePool{}, err
	}
	var def libvirtxml.StoragePool
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.StoragePool{}, err
	}
	s.pools[def.Name] = &stubPool{xml: xml, volumes: make(map[string]string)}
	s.record("DefinePool " + def.Name)
	return libvirt.StoragePool{Name: def.Name}, nil
}

func (s *StubVirt) StartPool(pool libvirt.StoragePool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("StartPool"); err != nil {
		return err
	}
	p, ok := s.pools[pool.Name]
	if !ok {
		return fmt.Errorf("storage pool %s: %w", pool.Name, ErrNotFound)
	}
	if p.active {
		return errors.New("storage pool is already active")
	}
	p.active = true
	s.record("StartPool " + pool.Name)
	return nil
}

func (s *StubVirt) AutostartPool(pool libvirt.StoragePool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AutostartPool"); err != nil {
		return err
	}
	p, ok := s.pools[pool.Name]
	if !ok {
		return fmt.Errorf("storage pool %s: %w", pool.Name, ErrNotFound)
	}
	p.autostart = true
	return nil
}

func (s *StubVirt) PoolActive(pool libvirt.StoragePool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("PoolActive"); err != nil {
		return false, err
	}
	p, ok := s.pools[pool.Name]
	if !ok {
		return false, fmt.Errorf("storage pool %s: %w", pool.Name, ErrNotFound)
	}
	return p.active, nil
}

func (s *StubVirt) RefreshPool(pool libvirt.StoragePool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RefreshPool"); err != nil {
		return err
	}
	p, ok := s.pools[pool.Name]
	if !ok {
		return fmt.Errorf("storage pool %s: %w", pool.Name, ErrNotFound)
	}
	if !p.active {
		return errors.New("storage pool is not active")
	}
	return nil
}

func (s *StubVirt) DestroyPool(pool libvirt.StoragePool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DestroyPool"); err != nil {
		return err
	}
	p, ok := s.pools[pool.Name]
	if !ok {
		return fmt.Errorf("storage pool %s: %w", pool.Name, ErrNotFound)
	}
	if !p.active {
		return errors.New("storage pool is not active")
	}
	p.active = false
	s.record("DestroyPool " + pool.Name)
	return nil
}

func (s *StubVirt) UndefinePool(pool libvirt.StoragePool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UndefinePool"); err != nil {
		return err
	}
	p, ok := s.pools[pool.Name]
	if !ok {
		return fmt.Errorf("storage pool %s: %w", pool.Name, ErrNotFound)
	}
	if p.active {
		return errors.New("storage pool is still active")
	}
	delete(s.pools, pool.Name)
	s.record("UndefinePool " + pool.Name)
	return nil
}

func (s *StubVirt) ListVolumes(pool libvirt.StoragePool) ([]libvirt.StorageVol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListVolumes"); err != nil {
		return nil, err
	}
	p, ok := s.pools[pool.Name]
	if !ok {
		return nil, fmt.Errorf("storage pool %s: %w", pool.Name, ErrNotFound)
	}
	if !p.active {
		return nil, errors.New("storage pool is not active")
	}
	vols := make([]libvirt.StorageVol, 0, len(p.volumes))
	for name := range p.volumes {
		vols = append(vols, libvirt.StorageVol{Pool: pool.Name, Name: name})
	}
	return vols, nil
}

func (s *StubVirt) LookupVolume(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("LookupVolume"); err != nil {
		return libvirt.StorageVol{}, err
	}
	p, ok := s.pools[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage pool %s: %w", pool.Name, ErrNotFound)
	}
	if _, ok := p.volumes[name]; !ok {
		return libvirt.StorageVol{}, fmt.Errorf("volume %s: %w", name, ErrNotFound)
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

func (s *StubVirt) CreateVolume(pool libvirt.StoragePool, xml string) (libvirt.StorageVol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateVolume"); err != nil {
		return libvirt.StorageVol{}, err
	}
	p, ok := s.pools[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage pool %s: %w", pool.Name, ErrNotFound)
	}
	if !p.active {
		return libvirt.StorageVol{}, errors.New("storage pool is not active")
	}
	var def libvirtxml.StorageVolume
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.StorageVol{}, err
	}
	if _, ok := p.volumes[def.Name]; ok {
		return libvirt.StorageVol{}, fmt.Errorf("volume %s already exists", def.Name)
	}
	p.volumes[def.Name] = xml
	s.record("CreateVolume " + def.Name)
	return libvirt.StorageVol{Pool: pool.Name, Name: def.Name}, nil
}

func (s *StubVirt) DeleteVolume(vol libvirt.StorageVol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteVolume"); err != nil {
		return err
	}
	p, ok := s.pools[vol.Pool]
	if !ok {
		return fmt.Errorf("storage pool %s: %w", vol.Pool, ErrNotFound)
	}
	if _, ok := p.volumes[vol.Name]; !ok {
		return fmt.Errorf("volume %s: %w", vol.Name, ErrNotFound)
	}
	delete(p.volumes, vol.Name)
	s.record("DeleteVolume " + vol.Name)
	return nil
}

func (s *StubVirt) ListDomains() ([]libvirt.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListDomains"); err != nil {
		return nil, err
	}
	doms := make([]libvirt.Domain, 0, len(s.domains))
	for name, dom := range s.domains {
		doms = append(doms, libvirt.Domain{Name: name, UUID: dom.uuid})
	}
	return doms, nil
}

func (s *StubVirt) LookupDomain(name string) (libvirt.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("LookupDomain"); err != nil {
		return libvirt.Domain{}, err
	}
	dom, ok := s.domains[name]
	if !ok {
		return libvirt.Domain{}, fmt.Errorf("domain %s: %w", name, ErrNotFound)
	}
	return libvirt.Domain{Name: name, UUID: dom.uuid}, nil
}

func (s *StubVirt) DefineDomain(xml string) (libvirt.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DefineDomain"); err != nil {
		return libvirt.Domain{}, err
	}
	var def libvirtxml.Domain
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.Domain{}, err
	}
	var id libvirt.UUID
	copy(id[:], uuid.NewRandom())
	s.domains[def.Name] = &stubDomain{xml: xml, uuid: id}
	s.record("DefineDomain " + def.Name)
	return libvirt.Domain{Name: def.Name, UUID: id}, nil
}

func (s *StubVirt) StartDomain(dom libvirt.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("StartDomain"); err != nil {
		return err
	}
	d, ok := s.domains[dom.Name]
	if !ok {
		return fmt.Errorf("domain %s: %w", dom.Name, ErrNotFound)
	}
	if d.active {
		return errors.New("domain is already running")
	}
	d.active = true
	s.record("StartDomain " + dom.Name)
	return nil
}

func (s *StubVirt) StopDomain(dom libvirt.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("StopDomain"); err != nil {
		return err
	}
	d, ok := s.domains[dom.Name]
	if !ok {
		return fmt.Errorf("domain %s: %w", dom.Name, ErrNotFound)
	}
	if !d.active {
		return errors.New("domain is not running")
	}
	d.active = false
	s.record("StopDomain " + dom.Name)
	return nil
}

func (s *StubVirt) UndefineDomain(dom libvirt.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UndefineDomain"); err != nil {
		return err
	}
	if _, ok := s.domains[dom.Name]; !ok {
		return fmt.Errorf("domain %s: %w", dom.Name, ErrNotFound)
	}
	delete(s.domains, dom.Name)
	s.record("UndefineDomain " + dom.Name)
	return nil
}

func (s *StubVirt) DomainActive(dom libvirt.Domain) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DomainActive"); err != nil {
		return false, err
	}
	d, ok := s.domains[dom.Name]
	if !ok {
		return false, fmt.Errorf("domain %s: %w", dom.Name, ErrNotFound)
	}
	return d.active, nil
}

func (s *StubVirt) Close() error {
	return nil
}
