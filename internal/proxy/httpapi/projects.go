package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/relaywire/proxycore/internal/proxy/project"
	"github.com/relaywire/proxycore/pkg/types"
)

// ProjectHandler exposes the Project Store's CRUD surface over HTTP:
// GET/POST /api/projects and GET/PUT /api/projects/{name}, plus the
// operator-triggered retroactive exclusion purge.
type ProjectHandler struct {
	store  *project.Store
	filter project.ExcludedMatcher
	logger *zap.Logger
}

// NewProjectHandler constructs a ProjectHandler over store, using filter
// to evaluate the active project's own exclusion rules on purge.
func NewProjectHandler(store *project.Store, filter project.ExcludedMatcher, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{store: store, filter: filter, logger: logger}
}

// Register mounts the project routes on srv.
func (h *ProjectHandler) Register(srv *Server) {
	srv.HandleFunc("GET /api/projects", h.handleList)
	srv.HandleFunc("POST /api/projects", h.handleCreate)
	srv.HandleFunc("GET /api/projects/{name}", h.handleLoad)
	srv.HandleFunc("PUT /api/projects/{name}", h.handleSave)
	srv.HandleFunc("POST /api/projects/{name}/purge-excluded", h.handlePurgeExcluded)
}

func (h *ProjectHandler) handleList(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.List()
	if err != nil {
		h.logger.Error("failed to list projects", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *ProjectHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.store.Create(body.Name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *ProjectHandler) handleLoad(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	p, err := h.store.Load(name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ProjectHandler) handleSave(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var p types.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.store.Save(name, &p); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePurgeExcluded implements the operator's retroactive-purge
// request: re-evaluate the active project's own exclusion rules against
// its already-captured history and drop every now-matching entry.
func (h *ProjectHandler) handlePurgeExcluded(w http.ResponseWriter, r *http.Request) {
	removed := h.store.PurgeExcluded(h.filter)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, project.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, project.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, project.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
