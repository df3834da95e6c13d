package api

import (
	"net/http"

	"github.com/SiriusScan/leakwatch/leakwatch/ingest"
	"github.com/SiriusScan/leakwatch/leakwatch/metrics"
	"github.com/SiriusScan/leakwatch/leakwatch/store"
	"gorm.io/gorm"
)

const prefix = "/api/v1"

// Handler holds the dependencies of every endpoint. Reads go straight to the
// database, writes through the ingest service.
type Handler struct {
	svc   *ingest.Service
	db    *gorm.DB
	cache *store.Cache
}

// NewHandler returns a handler over svc. cache may be nil.
func NewHandler(svc *ingest.Service, cache *store.Cache) *Handler {
	return &Handler{svc: svc, db: svc.DB(), cache: cache}
}

// Register adds every route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", metrics.Handler())

	// VCS instances
	mux.HandleFunc("POST "+prefix+"/vcs-instances", h.createVcsInstance)
	mux.HandleFunc("GET "+prefix+"/vcs-instances", h.listVcsInstances)
	mux.HandleFunc("GET "+prefix+"/vcs-instances/{id}", h.getVcsInstance)

	// Repositories
	mux.HandleFunc("POST "+prefix+"/repositories", h.createRepository)
	mux.HandleFunc("GET "+prefix+"/repositories", h.listRepositories)
	mux.HandleFunc("PATCH "+prefix+"/repositories/toggle-deleted", h.toggleRepositoriesDeleted)
	mux.HandleFunc("GET "+prefix+"/repositories/{id}", h.getRepository)
	mux.HandleFunc("GET "+prefix+"/repositories/{id}/last-scan", h.lastScan)
	mux.HandleFunc("DELETE "+prefix+"/repositories/{id}", h.deleteRepository)

	// Scans
	mux.HandleFunc("POST "+prefix+"/scans", h.createScan)
	mux.HandleFunc("GET "+prefix+"/scans", h.listScans)
	mux.HandleFunc("GET "+prefix+"/scans/{id}", h.getScan)
	mux.HandleFunc("DELETE "+prefix+"/scans/{id}", h.deleteScan)
	mux.HandleFunc("POST "+prefix+"/scans/{id}/findings", h.ingestFindings)
	mux.HandleFunc("GET "+prefix+"/scans/{id}/findings", h.scanFindings)

	// Findings
	mux.HandleFunc("GET "+prefix+"/findings", h.listFindings)
	mux.HandleFunc("GET "+prefix+"/findings/detected-rules", h.detectedRules)
	mux.HandleFunc("GET "+prefix+"/findings/count-by-status", h.countByStatus)
	mux.HandleFunc("GET "+prefix+"/findings/{id}", h.getFinding)
	mux.HandleFunc("GET "+prefix+"/findings/{id}/audits", h.findingAudits)

	// Audits
	mux.HandleFunc("POST "+prefix+"/audits", h.createAudit)
	mux.HandleFunc("GET "+prefix+"/audits", h.listAudits)

	// Rule packs
	mux.HandleFunc("POST "+prefix+"/rule-packs", h.uploadRulePack)
	mux.HandleFunc("GET "+prefix+"/rule-packs", h.listRulePacks)
	mux.HandleFunc("GET "+prefix+"/rule-packs/tags", h.rulePackTags)
	mux.HandleFunc("GET "+prefix+"/rule-packs/{version}", h.getRulePack)
	mux.HandleFunc("PATCH "+prefix+"/rule-packs/{version}/activate", h.activateRulePack)
	mux.HandleFunc("POST "+prefix+"/rule-packs/{version}/mark-as-outdated", h.markRulePackOutdated)
	mux.HandleFunc("GET "+prefix+"/rule-packs/{version}/rules", h.listRules)
	mux.HandleFunc("GET "+prefix+"/rule-packs/{version}/rules/{name}", h.getRule)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "service": "leakwatch-api"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "leakwatch-api"})
}
