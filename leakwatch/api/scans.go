package api

import (
	"net/http"
	"strconv"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/finding"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"github.com/SiriusScan/leakwatch/leakwatch/scan"
)

func (h *Handler) createScan(w http.ResponseWriter, r *http.Request) {
	var in scan.Create
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.svc.CreateScan(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) listScans(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := scan.Filter{
		RulePack: q.Get("rule_pack_version"),
		ScanType: q.Get("scan_type"),
	}
	if v := q.Get("repository_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, r, apperr.Validation("api.listScans", "invalid repository_id %q", v))
			return
		}
		filter.RepositoryID = uint(id)
	}
	onlyLatest, err := queryBool(r, "only_latest")
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter.OnlyLatest = onlyLatest != nil && *onlyLatest

	scans, total, err := scan.List(r.Context(), h.db, filter, skip, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Page[models.Scan]{Data: scans, Total: total, Skip: skip, Limit: limit})
}

func (h *Handler) getScan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	s, err := scan.Get(r.Context(), h.db, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) deleteScan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.DeleteScan(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ingestFindings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var items []finding.Create
	if err := decode(r, &items); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.IngestFindings(r.Context(), id, items)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
