package kanod

import "errors"

// Failure classes surfaced by lab operations. Callers match them with
// errors.Is; the concrete backend text travels wrapped alongside.
var (
	// ErrBackendUnavailable is returned when the virtualization daemon
	// cannot be reached at all.
	ErrBackendUnavailable = errors.New("virtualization backend unavailable")

	// ErrNotFound is returned by lookups against handles that do not exist.
	// Cleanup paths treat it as success: nothing to delete.
	ErrNotFound = errors.New("not found")

	// ErrNetworkDefinition is returned when the backend rejects a network
	// definition, e.g. a bridge name collision.
	ErrNetworkDefinition = errors.New("network definition rejected")

	// ErrPoolDefinition is returned when the backend rejects a storage pool
	// definition, e.g. an unwritable backing path.
	ErrPoolDefinition = errors.New("storage pool definition rejected")

	// ErrVolumeCreate is returned when a disk volume cannot be created.
	// Fatal for the run; domains cannot exist without backing storage.
	ErrVolumeCreate = errors.New("volume creation failed")

	// ErrDomainCreate is returned when defining or starting a fleet domain
	// fails. Already-created domains are left for the next run's cleanup.
	ErrDomainCreate = errors.New("domain creation failed")

	// ErrUnsupportedProtocol is returned for a BMC protocol value outside
	// the supported set.
	ErrUnsupportedProtocol = errors.New("unsupported BMC protocol")

	// ErrBMCDaemon is returned when a management daemon cannot be
	// started or stops answering within the daemon timeout.
	ErrBMCDaemon = errors.New("BMC daemon failure")

	// ErrBMCRegister is returned when binding a management endpoint to
	// a domain fails.
	ErrBMCRegister = errors.New("BMC registration failed")

	// ErrUnsupportedHost is returned when the operating system cannot
	// host a lab at all.
	ErrUnsupportedHost = errors.New("unsupported host operating system")

	// ErrKVMUnavailable is returned when /dev/kvm is absent, meaning
	// hardware virtualization is off or the module is not loaded.
	ErrKVMUnavailable = errors.New("KVM unavailable")

	// ErrEmulatorMissing is returned when the configured protocol's
	// endpoint daemons are not on PATH.
	ErrEmulatorMissing = errors.New("endpoint emulator not installed")

	// ErrKubectlMissing and ErrYQMissing are returned by the optional
	// client tooling checks.
	ErrKubectlMissing = errors.New("kubectl not found")
	ErrYQMissing      = errors.New("yq not found")
)
