package daemon

import (
	"net/http"

	"github.com/droverhq/drover/internal/registry"
)

type createMachineRequest struct {
	Name          string `json:"name"`
	EngineAddress string `json:"engine_address"`
	MaxQueueSize  int    `json:"max_queue_size"`
}

func (a *API) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	var req createMachineRequest
	if err := decodeBody(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	m, err := a.registry.CreateMachine(r.Context(), identityFrom(r), req.Name, req.EngineAddress, req.MaxQueueSize)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := a.registry.ListMachines(r.Context(), identityFrom(r))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"machines": machines})
}

func (a *API) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	m, err := a.registry.GetMachine(r.Context(), identityFrom(r), r.PathValue("id"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleUpdateMachine(w http.ResponseWriter, r *http.Request) {
	var upd registry.MachineUpdate
	if err := decodeBody(r, &upd); err != nil {
		a.respondErr(w, r, err)
		return
	}
	m, err := a.registry.UpdateMachine(r.Context(), identityFrom(r), r.PathValue("id"), upd)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleDeleteMachine(w http.ResponseWriter, r *http.Request) {
	if err := a.registry.DeleteMachine(r.Context(), identityFrom(r), r.PathValue("id")); err != nil {
		a.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSyncMachine contacts one machine and overwrites its queue counter
// with the engine's self-reported depth.
func (a *API) handleSyncMachine(w http.ResponseWriter, r *http.Request) {
	machineID := r.PathValue("id")
	// Visibility check first so a foreign machine ID reads as not found.
	if _, err := a.registry.GetMachine(r.Context(), identityFrom(r), machineID); err != nil {
		a.respondErr(w, r, err)
		return
	}
	count, err := a.reconciler.SyncMachine(r.Context(), machineID)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"machine_id":  machineID,
		"queue_count": count,
	})
}

func (a *API) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	machines, err := a.registry.ListMachines(r.Context(), identityFrom(r))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	report := a.reconciler.SyncMachines(r.Context(), machines)
	writeJSON(w, http.StatusOK, report)
}

type groupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (a *API) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := decodeBody(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	g, err := a.registry.CreateGroup(r.Context(), identityFrom(r), req.Name, req.Description)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.registry.ListGroups(r.Context(), identityFrom(r))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

func (a *API) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := a.registry.GetGroup(r.Context(), identityFrom(r), r.PathValue("id"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var upd registry.GroupUpdate
	if err := decodeBody(r, &upd); err != nil {
		a.respondErr(w, r, err)
		return
	}
	g, err := a.registry.UpdateGroup(r.Context(), identityFrom(r), r.PathValue("id"), upd)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := a.registry.DeleteGroup(r.Context(), identityFrom(r), r.PathValue("id")); err != nil {
		a.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGroupMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := a.registry.GroupMachines(r.Context(), identityFrom(r), r.PathValue("id"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"machines": machines})
}

// handleAddMember is idempotent: adding a machine that is already a member
// succeeds without a second membership row.
func (a *API) handleAddMember(w http.ResponseWriter, r *http.Request) {
	err := a.registry.AddMember(r.Context(), identityFrom(r), r.PathValue("id"), r.PathValue("machineID"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	err := a.registry.RemoveMember(r.Context(), identityFrom(r), r.PathValue("id"), r.PathValue("machineID"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleWorkerStart(w http.ResponseWriter, r *http.Request) {
	status, err := a.guard.EnsureStarted(r.Context())
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.guard.Status())
}
