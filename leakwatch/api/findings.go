package api

import (
	"log/slog"
	"net/http"

	"github.com/SiriusScan/leakwatch/leakwatch/audit"
	"github.com/SiriusScan/leakwatch/leakwatch/finding"
	"github.com/SiriusScan/leakwatch/leakwatch/store"
)

// cached returns the value stored under key or loads and stores it.
func cached[T any](h *Handler, r *http.Request, key string, load func() (T, error)) (T, error) {
	var v T
	if h.cache.Get(r.Context(), key, &v) {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	if err := h.cache.Set(r.Context(), key, v); err != nil {
		slog.Warn("Failed to cache response", "key", key, "error", err)
	}
	return v, nil
}

// findingFilter reads a finding filter from the query string. List
// parameters may repeat (?status=A&status=B).
func findingFilter(r *http.Request) (finding.Filter, error) {
	q := r.URL.Query()
	f := finding.Filter{
		Statuses:       q["status"],
		RuleNames:      q["rule_name"],
		RulePacks:      q["rule_pack_version"],
		VcsProviders:   q["vcs_provider"],
		RepositoryName: q.Get("repository_name"),
		ProjectKey:     q.Get("project_key"),
	}
	var err error
	if f.From, err = queryTime(r, "start_date_time"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(r, "end_date_time"); err != nil {
		return f, err
	}
	onlyLatest, err := queryBool(r, "only_latest")
	if err != nil {
		return f, err
	}
	f.OnlyLatest = onlyLatest != nil && *onlyLatest
	if f.ScanIDs, err = queryIDs(r, "scan_id"); err != nil {
		return f, err
	}
	return f, nil
}

func (h *Handler) queryFindings(w http.ResponseWriter, r *http.Request, f finding.Filter) {
	skip, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := cached(h, r, store.Key(store.NamespaceFindings, "query", f, skip, limit), func() (Page[finding.View], error) {
		views, total, err := finding.Query(r.Context(), h.db, f, skip, limit)
		return Page[finding.View]{Data: views, Total: total, Skip: skip, Limit: limit}, err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) listFindings(w http.ResponseWriter, r *http.Request) {
	f, err := findingFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.queryFindings(w, r, f)
}

func (h *Handler) scanFindings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := findingFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	f.ScanIDs = []uint{id}
	h.queryFindings(w, r, f)
}

func (h *Handler) getFinding(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := finding.Get(r.Context(), h.db, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) findingAudits(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	audits, err := audit.History(r.Context(), h.db, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, audits)
}

func (h *Handler) detectedRules(w http.ResponseWriter, r *http.Request) {
	f, err := findingFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rules, err := cached(h, r, store.Key(store.NamespaceFindings, "rules", f), func() ([]string, error) {
		return finding.DistinctRules(r.Context(), h.db, f)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *Handler) countByStatus(w http.ResponseWriter, r *http.Request) {
	f, err := findingFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	counts, err := cached(h, r, store.Key(store.NamespaceFindings, "counts", f), func() (map[string]int64, error) {
		return finding.StatusCounts(r.Context(), h.db, f)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
