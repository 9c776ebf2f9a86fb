package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/droverhq/drover/internal/engine"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/uds"
)

// StatusInfo is the payload of the admin status command.
type StatusInfo struct {
	PID       int            `json:"pid"`
	DataDir   string         `json:"data_dir"`
	StartedAt time.Time      `json:"started_at"`
	UptimeSec int64          `json:"uptime_sec"`
	Worker    WorkerStatus   `json:"worker"`
	Machines  []MachineDepth `json:"machines"`
	Groups    int            `json:"groups"`
	Runs      int            `json:"runs"`
}

// MachineDepth is one machine's tracked queue state in the status display.
type MachineDepth struct {
	MachineID  string `json:"machine_id"`
	Name       string `json:"name"`
	QueueCount int    `json:"queue_count"`
}

type syncParams struct {
	MachineID string `json:"machine_id,omitempty"`
}

// registerAdminCommands wires the admin socket command table. The socket is
// owner-only; these commands are not scope filtered.
func (d *Daemon) registerAdminCommands() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("status", d.handleAdminStatus)
	d.server.Handle("sync", d.handleAdminSync)
	d.server.Handle("worker_start", d.handleAdminWorkerStart)

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log.Infof("shutdown_requested source=admin_socket")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleAdminStatus(req *uds.Request) *uds.Response {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	info := StatusInfo{
		PID:       os.Getpid(),
		DataDir:   d.dataDir,
		StartedAt: d.startedAt,
		UptimeSec: int64(time.Since(d.startedAt).Seconds()),
		Worker:    d.guard.Status(),
	}
	if machines, err := d.store.ListMachines(ctx); err == nil {
		info.Machines = make([]MachineDepth, 0, len(machines))
		for _, m := range machines {
			info.Machines = append(info.Machines, MachineDepth{
				MachineID:  m.ID,
				Name:       m.Name,
				QueueCount: m.QueueCount,
			})
		}
	}
	if groups, err := d.store.ListGroups(ctx); err == nil {
		info.Groups = len(groups)
	}
	if runs, err := d.store.ListRuns(ctx); err == nil {
		info.Runs = len(runs)
	}
	return uds.SuccessResponse(info)
}

// handleAdminSync reconciles one machine when machine_id is given, otherwise
// every machine.
func (d *Daemon) handleAdminSync(req *uds.Request) *uds.Response {
	var params syncParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, "invalid sync params: "+err.Error())
		}
	}

	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Minute)
	defer cancel()

	if params.MachineID != "" {
		count, err := d.reconciler.SyncMachine(ctx, params.MachineID)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				return uds.ErrorResponse(uds.ErrCodeNotFound, "machine not found: "+params.MachineID)
			case errors.Is(err, engine.ErrUnreachable):
				return uds.ErrorResponse(uds.ErrCodeUnreachable, err.Error())
			default:
				return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
			}
		}
		return uds.SuccessResponse(MachineSync{MachineID: params.MachineID, QueueCount: count})
	}

	report, err := d.reconciler.SyncAll(ctx)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(report)
}

func (d *Daemon) handleAdminWorkerStart(req *uds.Request) *uds.Response {
	status, err := d.guard.EnsureStarted(d.ctx)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(status)
}
