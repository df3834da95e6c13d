package api

import (
	"net/http"

	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"github.com/SiriusScan/leakwatch/leakwatch/repository"
	"github.com/SiriusScan/leakwatch/leakwatch/scan"
)

func (h *Handler) createVcsInstance(w http.ResponseWriter, r *http.Request) {
	var in models.VcsInstance
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	vcs, err := h.svc.CreateVcsInstance(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, vcs)
}

func (h *Handler) listVcsInstances(w http.ResponseWriter, r *http.Request) {
	out, err := repository.ListVcsInstances(r.Context(), h.db)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getVcsInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	vcs, err := repository.GetVcsInstance(r.Context(), h.db, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vcs)
}

func (h *Handler) createRepository(w http.ResponseWriter, r *http.Request) {
	var in models.Repository
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	repo, err := h.svc.CreateRepository(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (h *Handler) listRepositories(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := repository.Filter{
		ProjectKey:     q.Get("project_key"),
		RepositoryName: q.Get("repository_name"),
		VcsProviders:   q["vcs_provider"],
	}
	includeDeleted, err := queryBool(r, "include_deleted")
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter.IncludeDeleted = includeDeleted != nil && *includeDeleted

	repos, total, err := repository.List(r.Context(), h.db, filter, skip, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Page[models.Repository]{Data: repos, Total: total, Skip: skip, Limit: limit})
}

func (h *Handler) getRepository(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	repo, err := repository.Get(r.Context(), h.db, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (h *Handler) lastScan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	s, err := scan.LatestForRepository(r.Context(), h.db, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ToggleDeletedRequest is the body of PATCH /repositories/toggle-deleted.
type ToggleDeletedRequest struct {
	IDs []uint `json:"ids"`
}

func (h *Handler) toggleRepositoriesDeleted(w http.ResponseWriter, r *http.Request) {
	var req ToggleDeletedRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	repos, err := h.svc.ToggleRepositoriesDeleted(r.Context(), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (h *Handler) deleteRepository(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.DeleteRepository(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
