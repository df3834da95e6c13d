package api

import (
	"net/http"

	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"github.com/SiriusScan/leakwatch/leakwatch/rulepack"
	"github.com/SiriusScan/leakwatch/leakwatch/store"
)

func (h *Handler) uploadRulePack(w http.ResponseWriter, r *http.Request) {
	var up rulepack.Upload
	if err := decode(r, &up); err != nil {
		writeError(w, r, err)
		return
	}
	pack, err := h.svc.UploadRulePack(r.Context(), up)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pack)
}

func (h *Handler) listRulePacks(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter := rulepack.Filter{Version: r.URL.Query().Get("version")}
	if filter.Active, err = queryBool(r, "active"); err != nil {
		writeError(w, r, err)
		return
	}

	page, err := cached(h, r, store.Key(store.NamespaceRulePacks, "list", filter, skip, limit), func() (Page[models.RulePack], error) {
		packs, total, err := rulepack.List(r.Context(), h.db, filter, skip, limit)
		return Page[models.RulePack]{Data: packs, Total: total, Skip: skip, Limit: limit}, err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) getRulePack(w http.ResponseWriter, r *http.Request) {
	pack, err := rulepack.Get(r.Context(), h.db, r.PathValue("version"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (h *Handler) activateRulePack(w http.ResponseWriter, r *http.Request) {
	pack, err := h.svc.ActivateRulePack(r.Context(), r.PathValue("version"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (h *Handler) markRulePackOutdated(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.MarkRulePackOutdated(r.Context(), r.PathValue("version"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"outdated": n})
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	version := r.PathValue("version")
	if _, err := rulepack.Get(r.Context(), h.db, version); err != nil {
		writeError(w, r, err)
		return
	}
	rules, err := rulepack.Rules(r.Context(), h.db, version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := rulepack.Rule(r.Context(), h.db, r.PathValue("version"), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) rulePackTags(w http.ResponseWriter, r *http.Request) {
	tags, err := rulepack.Tags(r.Context(), h.db, r.URL.Query()["version"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}
