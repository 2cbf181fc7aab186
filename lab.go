package kanod

type (
	// Lab carries the pieces every provisioning step needs: the desired
	// lab shape, a handle to the virtualization backend, and a Runner
	// for the endpoint daemons. A Lab holds no state of its own; all
	// state lives in the backend and under the lab directory.
	Lab struct {
		cfg  Config
		virt Virter
		run  Runner
	}
)

// NewLab creates a Lab for the given config, backend connection, and
// command runner.
func NewLab(cfg Config, virt Virter, run Runner) *Lab {
	return &Lab{
		cfg:  cfg,
		virt: virt,
		run:  run,
	}
}

// Config returns the lab configuration.
func (l *Lab) Config() Config {
	return l.cfg
}
