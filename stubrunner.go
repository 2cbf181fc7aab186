package kanod

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/andreigiubleanu/kanod/pkg/pidfile"
)

type (
	// StubRunner is a Runner that plays the part of the endpoint
	// daemons for testing. It keeps a model of a vbmcd control daemon
	// and its registrations, and records every invocation.
	StubRunner struct {
		mu        sync.Mutex
		daemon    bool
		endpoints map[string]int

		// Calls records Run invocations, Launches records Launch
		// invocations, in order.
		Calls    []StubCall
		Launches []StubLaunch

		// FailOn maps a command key ("vbmcd", "vbmc add",
		// "sushy-emulator") to an error for that invocation.
		FailOn map[string]error

		// LaunchPID is handed back by Launch and recorded by the fake
		// vbmcd. The default is this process's own pid, which is as
		// alive as a pid gets. Tests exercising teardown should point
		// it at a scratch process instead, because teardown signals it.
		LaunchPID int

		// PidFilePath, when set, is where the fake vbmcd records its
		// pid, imitating the real daemon writing its own pid file.
		PidFilePath string

		// ListFailures makes that many vbmc list calls fail even with
		// the daemon up, imitating the gap between the launcher
		// returning and the forked daemon listening.
		ListFailures int
	}

	// StubCall is one recorded Run invocation.
	StubCall struct {
		Env  []string
		Name string
		Args []string
	}

	// StubLaunch is one recorded Launch invocation.
	StubLaunch struct {
		Env     []string
		LogPath string
		Name    string
		Args    []string
	}
)

// NewStubRunner creates a StubRunner with no daemon running.
func NewStubRunner() *StubRunner {
	return &StubRunner{
		endpoints: make(map[string]int),
		FailOn:    make(map[string]error),
		LaunchPID: os.Getpid(),
	}
}

// commandKey collapses an invocation to its FailOn lookup key.
func commandKey(name string, args []string) string {
	if name == "vbmc" && len(args) > 0 {
		return name + " " + args[0]
	}
	return name
}

// DaemonRunning reports whether the stub daemon is up.
func (s *StubRunner) DaemonRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daemon
}

// Endpoints returns a copy of the current registrations.
func (s *StubRunner) Endpoints() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.endpoints))
	for name, port := range s.endpoints {
		out[name] = port
	}
	return out
}

// SeedDaemon marks the stub daemon as already running, as a previous
// run would leave it.
func (s *StubRunner) SeedDaemon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daemon = true
}

// SeedEndpoint plants a registration, as a previous run would leave it.
func (s *StubRunner) SeedEndpoint(name string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[name] = port
}

func (s *StubRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, StubCall{Env: env, Name: name, Args: args})
	if err := s.FailOn[commandKey(name, args)]; err != nil {
		return nil, err
	}

	switch name {
	case "vbmcd":
		s.daemon = true
		if s.PidFilePath != "" {
			if err := pidfile.Write(s.PidFilePath, s.LaunchPID); err != nil {
				return nil, err
			}
		}
		return nil, nil
	case "vbmc":
		return s.vbmc(args)
	}
	return nil, nil
}

func (s *StubRunner) vbmc(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, errors.New("missing subcommand")
	}
	if !s.daemon {
		return nil, errors.New("connection refused")
	}

	switch args[0] {
	case "list":
		if s.ListFailures > 0 {
			s.ListFailures--
			return nil, errors.New("connection refused")
		}
		return s.listing(), nil
	case "add":
		if len(args) < 4 {
			return nil, errors.New("usage: vbmc add <domain> --port <port>")
		}
		name := args[1]
		if _, ok := s.endpoints[name]; ok {
			return nil, fmt.Errorf("domain %s already registered", name)
		}
		port := 0
		for i := 2; i < len(args)-1; i++ {
			if args[i] == "--port" {
				port, _ = strconv.Atoi(args[i+1])
			}
		}
		s.endpoints[name] = port
		return nil, nil
	case "start":
		if len(args) < 2 {
			return nil, errors.New("usage: vbmc start <domain>")
		}
		if _, ok := s.endpoints[args[1]]; !ok {
			return nil, fmt.Errorf("no domain %s", args[1])
		}
		return nil, nil
	case "delete":
		if len(args) < 2 {
			return nil, errors.New("usage: vbmc delete <domain>")
		}
		if _, ok := s.endpoints[args[1]]; !ok {
			return nil, fmt.Errorf("no domain %s", args[1])
		}
		delete(s.endpoints, args[1])
		return nil, nil
	}
	return nil, fmt.Errorf("unknown subcommand %s", args[0])
}

// listing renders registrations the way the real client tabulates them.
func (s *StubRunner) listing() []byte {
	names := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("+-------------+---------+---------+------+\n")
	sb.WriteString("| Domain name | Status  | Address | Port |\n")
	sb.WriteString("+-------------+---------+---------+------+\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "| %s | running | ::      | %d |\n", name, s.endpoints[name])
	}
	sb.WriteString("+-------------+---------+---------+------+\n")
	return []byte(sb.String())
}

func (s *StubRunner) Launch(env []string, logPath, name string, args ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Launches = append(s.Launches, StubLaunch{Env: env, LogPath: logPath, Name: name, Args: args})
	if err := s.FailOn[commandKey(name, args)]; err != nil {
		return 0, err
	}
	return s.LaunchPID, nil
}
