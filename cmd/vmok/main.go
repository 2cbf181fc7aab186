package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	kanod "github.com/andreigiubleanu/kanod"
	"github.com/andreigiubleanu/kanod/pkg/runlock"
)

// Exit codes, one per failure class. Several name failure classes of
// the provisioning glue that runs around this tool; those are reserved
// here so dependent tooling sees stable numbers.
const (
	exitOK = iota
	exitFailure
	exitUnsupportedOS
	exitNoKVM
	exitVirtInstall    // reserved
	exitVirtPermission // reserved
	exitPkgBootstrap   // reserved
	exitEmulatorDeps
	exitNoKubectl
	exitNoYQ
	exitBadProtocol
	exitNoHasher // reserved
)

var (
	cfg      = kanod.DefaultConfig()
	logLevel = "info"
)

// exitCode maps a failure to its reserved exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, kanod.ErrUnsupportedHost):
		return exitUnsupportedOS
	case errors.Is(err, kanod.ErrKVMUnavailable):
		return exitNoKVM
	case errors.Is(err, kanod.ErrEmulatorMissing):
		return exitEmulatorDeps
	case errors.Is(err, kanod.ErrKubectlMissing):
		return exitNoKubectl
	case errors.Is(err, kanod.ErrYQMissing):
		return exitNoYQ
	case errors.Is(err, kanod.ErrUnsupportedProtocol):
		return exitBadProtocol
	default:
		return exitFailure
	}
}

// setupLog tees everything logrus emits into a timestamped file in the
// lab directory, so a run can be reconstructed after the terminal is
// gone.
func setupLog() (func(), error) {
	if err := os.MkdirAll(cfg.LabDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.LabDir, fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405")))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))

	level, err := log.ParseLevel(logLevel)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	log.SetLevel(level)
	return func() { _ = f.Close() }, nil
}

// runLab is the shared plumbing for the mutating subcommands: validate,
// open the run log, optionally preflight, lock the lab directory,
// connect, run.
func runLab(preflight bool, fn func(context.Context, *kanod.Lab) error) int {
	if err := cfg.Validate(); err != nil {
		log.WithField("error", err).Error("invalid configuration")
		return exitCode(err)
	}
	closeLog, err := setupLog()
	if err != nil {
		log.WithField("error", err).Error("cannot open run log")
		return exitFailure
	}
	defer closeLog()

	if preflight {
		if err := kanod.Preflight(cfg); err != nil {
			log.WithField("error", err).Error("preflight failed")
			return exitCode(err)
		}
	}

	lock, err := runlock.Acquire(cfg.LabDir)
	if err != nil {
		log.WithField("error", err).Error("cannot lock lab directory")
		return exitCode(err)
	}
	defer func() { _ = lock.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	virt, err := kanod.ConnectVirt(cfg.LibvirtURI)
	if err != nil {
		log.WithField("error", err).Error("cannot reach virtualization backend")
		return exitCode(err)
	}
	defer func() { _ = virt.Close() }()

	if err := fn(ctx, kanod.NewLab(cfg, virt, kanod.ExecRunner{})); err != nil {
		log.WithField("error", err).Error("run failed")
		return exitCode(err)
	}
	return exitOK
}

func up(cmd *cobra.Command, _ []string) {
	os.Exit(runLab(true, func(ctx context.Context, lab *kanod.Lab) error {
		return lab.Up(ctx)
	}))
}

func destroy(cmd *cobra.Command, _ []string) {
	os.Exit(runLab(false, func(ctx context.Context, lab *kanod.Lab) error {
		return lab.Destroy(ctx)
	}))
}

func status(cmd *cobra.Command, _ []string) {
	os.Exit(runStatus())
}

func runStatus() int {
	if err := cfg.Validate(); err != nil {
		log.WithField("error", err).Error("invalid configuration")
		return exitCode(err)
	}

	virt, err := kanod.ConnectVirt(cfg.LibvirtURI)
	if err != nil {
		log.WithField("error", err).Error("cannot reach virtualization backend")
		return exitCode(err)
	}
	defer func() { _ = virt.Close() }()

	lab := kanod.NewLab(cfg, virt, kanod.ExecRunner{})
	st, err := lab.Status(context.Background())
	if err != nil {
		log.WithField("error", err).Error("cannot read lab status")
		return exitCode(err)
	}

	if st.State == nil {
		fmt.Printf("no lab recorded in %s\n", cfg.LabDir)
	} else {
		fmt.Printf("lab %s: fleet %d, protocol %s, created %s\n",
			st.State.Prefix, st.State.FleetSize, st.State.Protocol,
			st.State.CreatedAt.Format(time.RFC3339))
	}
	for _, m := range st.Members {
		power := "stopped"
		if m.Active {
			power = "running"
		}
		endpoint := "down"
		if m.EndpointUp {
			endpoint = "up"
		}
		fmt.Printf("%-12s %-8s port %d  endpoint %s\n", m.Name, power, m.Port, endpoint)
	}
	return exitOK
}

func help(cmd *cobra.Command, _ []string) {
	_ = cmd.Help()
}

func main() {
	root := &cobra.Command{
		Use:   "vmok",
		Short: "vmok stamps out virtual bare-metal labs",
		Run:   help,
	}

	flags := root.PersistentFlags()
	flags.IntVarP(&cfg.FleetSize, "nodes", "n", cfg.FleetSize, "number of machines in the fleet")
	flags.StringVar(&cfg.NamePrefix, "prefix", cfg.NamePrefix, "domain name prefix")
	flags.Uint64Var(&cfg.DiskGiB, "disk", cfg.DiskGiB, "disk size per machine in GiB")
	flags.Uint64VarP(&cfg.MemoryMiB, "memory", "m", cfg.MemoryMiB, "memory per machine in MiB")
	flags.UintVarP(&cfg.VCPUs, "cpus", "c", cfg.VCPUs, "vcpus per machine")
	flags.BoolVar(&cfg.TPM, "tpm", cfg.TPM, "give each machine an emulated TPM 2.0")
	flags.BoolVar(&cfg.Airgap, "airgap", cfg.Airgap, "apply the traffic filter to each machine")
	flags.StringVar(&cfg.AirgapFilter, "airgap-filter", cfg.AirgapFilter, "nwfilter name used with --airgap")
	flags.StringVar(&cfg.NetworkName, "network", cfg.NetworkName, "libvirt network name")
	flags.StringVar(&cfg.BridgeName, "bridge", cfg.BridgeName, "bridge device name")
	flags.StringVar(&cfg.GatewayIP, "gateway", cfg.GatewayIP, "network gateway address")
	flags.StringVar(&cfg.Netmask, "netmask", cfg.Netmask, "network mask")
	flags.StringVar(&cfg.PoolName, "pool", cfg.PoolName, "storage pool name")
	flags.StringVar(&cfg.PoolPath, "pool-path", cfg.PoolPath, "storage pool backing directory")
	flags.StringVarP(&cfg.Protocol, "protocol", "p", cfg.Protocol, "BMC protocol: ipmi, redfish, or redfish-virtualmedia")
	flags.StringVar(&cfg.BMCUsername, "bmc-username", cfg.BMCUsername, "BMC credential user")
	flags.StringVar(&cfg.BMCPassword, "bmc-password", cfg.BMCPassword, "BMC credential password")
	flags.StringVar(&cfg.BMCHost, "bmc-host", cfg.BMCHost, "address the BMC endpoints listen on")
	flags.IntVar(&cfg.BasePort, "base-port", cfg.BasePort, "BMC port base, member i gets base+i")
	flags.StringVarP(&cfg.LabDir, "lab-dir", "d", cfg.LabDir, "lab working directory")
	flags.StringVarP(&cfg.LibvirtURI, "uri", "u", cfg.LibvirtURI, "libvirt connection URI")
	flags.DurationVar(&cfg.SettleDelay, "settle", cfg.SettleDelay, "how long guests run before the fleet is powered off")
	flags.DurationVar(&cfg.DaemonTimeout, "daemon-timeout", cfg.DaemonTimeout, "how long to wait for endpoint daemons to answer")
	flags.BoolVar(&cfg.RequireKubectl, "require-kubectl", cfg.RequireKubectl, "preflight check for kubectl")
	flags.BoolVar(&cfg.RequireYQ, "require-yq", cfg.RequireYQ, "preflight check for yq")
	flags.StringVarP(&logLevel, "log-level", "l", logLevel, "log level: debug, info, warn, error")

	cmdUp := &cobra.Command{
		Use:   "up",
		Short: "Build the lab, replacing whatever a previous run left",
		Run:   up,
	}
	cmdDestroy := &cobra.Command{
		Use:   "destroy",
		Short: "Tear the lab down, endpoints, fleet, network, and pool",
		Run:   destroy,
	}
	cmdStatus := &cobra.Command{
		Use:   "status",
		Short: "Report fleet and endpoint state without changing anything",
		Run:   status,
	}

	root.AddCommand(cmdUp, cmdDestroy, cmdStatus)
	_ = root.Execute()
}
