package api

import (
	"net/http"

	"github.com/SiriusScan/leakwatch/leakwatch/audit"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
)

// AuditRequest is the body of POST /audits.
type AuditRequest struct {
	FindingIDs []uint `json:"finding_ids"`
	Status     string `json:"status"`
	Auditor    string `json:"auditor"`
	Comment    string `json:"comment"`
}

func (h *Handler) createAudit(w http.ResponseWriter, r *http.Request) {
	var req AuditRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	audits, err := h.svc.CreateAudit(r.Context(), req.FindingIDs, req.Status, req.Auditor, req.Comment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, audits)
}

func (h *Handler) listAudits(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter := audit.Filter{
		Auditor:  r.URL.Query().Get("auditor"),
		Statuses: r.URL.Query()["status"],
	}
	if filter.From, err = queryTime(r, "start_date_time"); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.To, err = queryTime(r, "end_date_time"); err != nil {
		writeError(w, r, err)
		return
	}
	onlyLatest, err := queryBool(r, "only_latest")
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter.OnlyLatest = onlyLatest != nil && *onlyLatest

	audits, total, err := audit.List(r.Context(), h.db, filter, skip, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Page[models.Audit]{Data: audits, Total: total, Skip: skip, Limit: limit})
}
