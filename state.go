package kanod

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// stateFile is the snapshot a successful run leaves in the lab
// directory so later invocations can report what was built.
const stateFile = "lab.json"

type (
	// LabState is the durable record of the last successful run.
	LabState struct {
		Prefix    string    `json:"prefix"`
		FleetSize int       `json:"fleet_size"`
		Protocol  string    `json:"protocol"`
		Host      string    `json:"host"`
		BasePort  int       `json:"base_port"`
		Network   string    `json:"network"`
		Pool      string    `json:"pool"`
		CreatedAt time.Time `json:"created_at"`
	}
)

func statePath(cfg Config) string {
	return filepath.Join(cfg.LabDir, stateFile)
}

// writeState records the built lab under the lab directory.
func writeState(cfg Config) error {
	state := LabState{
		Prefix:    cfg.NamePrefix,
		FleetSize: cfg.FleetSize,
		Protocol:  cfg.Protocol,
		Host:      cfg.BMCHost,
		BasePort:  cfg.BasePort,
		Network:   cfg.NetworkName,
		Pool:      cfg.PoolName,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(statePath(cfg), append(data, '\n'), 0644)
}

// readState loads the snapshot, returning nil when no run has recorded
// one yet.
func readState(cfg Config) (*LabState, error) {
	data, err := os.ReadFile(statePath(cfg))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state := &LabState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	return state, nil
}

// removeState drops the snapshot. Missing is fine.
func removeState(cfg Config) error {
	err := os.Remove(statePath(cfg))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
