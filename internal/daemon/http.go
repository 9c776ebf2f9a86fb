package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/auth"
	"github.com/droverhq/drover/internal/engine"
	"github.com/droverhq/drover/internal/model"
	"github.com/droverhq/drover/internal/registry"
	"github.com/droverhq/drover/internal/run"
	"github.com/droverhq/drover/internal/store"
)

// API is the authenticated HTTP surface of the daemon. Machine status
// callbacks are the one unauthenticated route: machines hold a run ID, not
// a bearer token.
type API struct {
	runs       *run.Manager
	registry   *registry.Registry
	reconciler *Reconciler
	guard      *BootstrapGuard
	resolver   auth.IdentityResolver
	log        *zap.SugaredLogger
}

func NewAPI(
	runs *run.Manager,
	reg *registry.Registry,
	reconciler *Reconciler,
	guard *BootstrapGuard,
	resolver auth.IdentityResolver,
	log *zap.SugaredLogger,
) *API {
	return &API{
		runs:       runs,
		registry:   reg,
		reconciler: reconciler,
		guard:      guard,
		resolver:   resolver,
		log:        log.Named("api"),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /api/v1/runs", a.authed(a.handleCreateRun))
	mux.HandleFunc("GET /api/v1/runs", a.authed(a.handleListRuns))
	mux.HandleFunc("GET /api/v1/runs/{id}", a.authed(a.handleGetRun))
	mux.HandleFunc("DELETE /api/v1/runs/{id}", a.authed(a.handleDeleteRun))
	mux.HandleFunc("GET /api/v1/runs/{id}/outputs", a.authed(a.handleRunOutputs))

	// Machine-side status callback. Deliberately unauthenticated.
	mux.HandleFunc("POST /api/v1/runs/{id}", a.handleUpdateRun)

	mux.HandleFunc("POST /api/v1/machines", a.authed(a.handleCreateMachine))
	mux.HandleFunc("GET /api/v1/machines", a.authed(a.handleListMachines))
	mux.HandleFunc("GET /api/v1/machines/{id}", a.authed(a.handleGetMachine))
	mux.HandleFunc("PATCH /api/v1/machines/{id}", a.authed(a.handleUpdateMachine))
	mux.HandleFunc("DELETE /api/v1/machines/{id}", a.authed(a.handleDeleteMachine))
	mux.HandleFunc("POST /api/v1/machines/{id}/sync", a.authed(a.handleSyncMachine))
	mux.HandleFunc("POST /api/v1/machines/sync", a.authed(a.handleSyncAll))

	mux.HandleFunc("POST /api/v1/groups", a.authed(a.handleCreateGroup))
	mux.HandleFunc("GET /api/v1/groups", a.authed(a.handleListGroups))
	mux.HandleFunc("GET /api/v1/groups/{id}", a.authed(a.handleGetGroup))
	mux.HandleFunc("PATCH /api/v1/groups/{id}", a.authed(a.handleUpdateGroup))
	mux.HandleFunc("DELETE /api/v1/groups/{id}", a.authed(a.handleDeleteGroup))
	mux.HandleFunc("GET /api/v1/groups/{id}/machines", a.authed(a.handleGroupMachines))
	mux.HandleFunc("PUT /api/v1/groups/{id}/members/{machineID}", a.authed(a.handleAddMember))
	mux.HandleFunc("DELETE /api/v1/groups/{id}/members/{machineID}", a.authed(a.handleRemoveMember))

	mux.HandleFunc("POST /api/v1/worker/start", a.authed(a.handleWorkerStart))
	mux.HandleFunc("GET /api/v1/worker", a.authed(a.handleWorkerStatus))

	return mux
}

type identityKey struct{}

// authed resolves the bearer token and stashes the identity in the request
// context.
func (a *API) authed(next func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		identity, err := a.resolver.Resolve(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func identityFrom(r *http.Request) model.Identity {
	id, _ := r.Context().Value(identityKey{}).(model.Identity)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// respondErr maps domain errors onto HTTP statuses. Scope mismatches arrive
// here as plain not-found; the mapping must never reintroduce an existence
// signal.
func (a *API) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, model.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrUnreachable):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, store.ErrQueueFull):
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.log.Errorf("request_error method=%s path=%s error=%v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalid, err)
	}
	return nil
}
