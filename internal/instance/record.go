// Package instance implements the per-project startup coordinator: the
// startup lock, the instance-lock socket, the instance record, and the
// ordered startup/shutdown state machine that guarantees one writer
// per project.
package instance

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/renameio"

	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/project"
)

// Status is the instance lifecycle state persisted in instance.json.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
)

// Record is the persisted instance record. At most one record with
// status starting or running exists per project.
type Record struct {
	PID              int       `json:"pid"`
	ProjectHash      string    `json:"projectHash"`
	StartTime        time.Time `json:"startTime"`
	Status           Status    `json:"status"`
	DashboardPort    int       `json:"dashboardPort,omitempty"`
	CoordinationPort int       `json:"coordinationPort,omitempty"`
}

// Live reports whether the record claims an active instance.
func (r *Record) Live() bool {
	return r.Status == StatusStarting || r.Status == StatusRunning
}

// WriteRecord persists the record atomically at run/instance.json.
func WriteRecord(p *project.Project, r Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err)
	}
	path := p.RunPath(project.InstanceRecordName)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return errors.New(errors.ErrCodeEnvironmentUnusable, "cannot write instance record", err)
	}
	return nil
}

// ReadRecord loads the instance record; nil when absent.
func ReadRecord(p *project.Project) (*Record, error) {
	data, err := os.ReadFile(p.RunPath(project.InstanceRecordName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEnvironmentUnusable, err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		// A torn or corrupt record is treated as absent; the writer
		// replaces it atomically on the next transition.
		return nil, nil
	}
	return &r, nil
}
