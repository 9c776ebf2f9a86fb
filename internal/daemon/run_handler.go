package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/droverhq/drover/internal/model"
	"github.com/droverhq/drover/internal/run"
)

type createRunRequest struct {
	WorkflowVersionID string `json:"workflow_version_id"`
	MachineID         string `json:"machine_id,omitempty"`
	GroupID           string `json:"group_id,omitempty"`
}

func (a *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeBody(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}
	created, err := a.runs.Create(r.Context(), identityFrom(r), req.WorkflowVersionID, model.Target{
		MachineID: req.MachineID,
		GroupID:   req.GroupID,
	})
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.runs.List(r.Context(), identityFrom(r))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	got, err := a.runs.Get(r.Context(), identityFrom(r), r.PathValue("id"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (a *API) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := a.runs.Delete(r.Context(), identityFrom(r), r.PathValue("id")); err != nil {
		a.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRunOutputs(w http.ResponseWriter, r *http.Request) {
	outputs, err := a.runs.Outputs(r.Context(), identityFrom(r), r.PathValue("id"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"outputs": outputs})
}

type updateRunRequest struct {
	Status string          `json:"status,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// handleUpdateRun is the machine callback. Status and output are independent
// axes; either may be absent.
func (a *API) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	var req updateRunRequest
	if err := decodeBody(r, &req); err != nil {
		a.respondErr(w, r, err)
		return
	}

	var upd run.UpdateRequest
	if req.Status != "" {
		status, err := model.ParseRunStatus(req.Status)
		if err != nil {
			a.respondErr(w, r, fmt.Errorf("%w: %v", model.ErrInvalid, err))
			return
		}
		upd.Status = &status
	}
	upd.Output = req.Output

	if err := a.runs.Update(r.Context(), r.PathValue("id"), upd); err != nil {
		a.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
