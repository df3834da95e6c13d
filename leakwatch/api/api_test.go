package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
	"github.com/SiriusScan/leakwatch/leakwatch/finding"
	"github.com/SiriusScan/leakwatch/leakwatch/ingest"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/models"
	"github.com/SiriusScan/leakwatch/leakwatch/postgres/pgtest"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	svc := ingest.NewService(pgtest.Open(t), nil)
	return NewServer(":0", svc, nil).Handler()
}

func call(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("❌ Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func expect(t *testing.T, rec *httptest.ResponseRecorder, status int, out any) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("❌ status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("❌ Failed to decode response: %v (%s)", err, rec.Body.String())
		}
	}
}

// seedAPI uploads a rule pack and registers one repository through the API.
func seedAPI(t *testing.T, h http.Handler) (repoID uint) {
	t.Helper()
	expect(t, call(t, h, http.MethodPost, "/api/v1/rule-packs", map[string]any{
		"version": "1.0.0",
		"rules": []map[string]any{
			{"id": "aws-key", "regex": "AKIA[0-9A-Z]{16}", "tags": []string{"Cloud"}},
			{"id": "ssh-dir", "path": ".ssh", "tags": []string{models.TagScanAsDir}},
		},
	}), http.StatusCreated, nil)

	var vcs models.VcsInstance
	expect(t, call(t, h, http.MethodPost, "/api/v1/vcs-instances", map[string]any{
		"name": "bitbucket", "provider_type": models.ProviderBitbucket, "hostname": "bb.example.com", "port": 443, "scheme": "https",
	}), http.StatusCreated, &vcs)

	var repo models.Repository
	expect(t, call(t, h, http.MethodPost, "/api/v1/repositories", map[string]any{
		"project_key": "PAY", "repository_id": "r1", "repository_name": "payments", "repository_url": "https://bb.example.com/pay", "vcs_instance": vcs.ID,
	}), http.StatusCreated, &repo)
	return repo.ID
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)
	var body map[string]string
	expect(t, call(t, h, http.MethodGet, "/health", nil), http.StatusOK, &body)
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
}

func TestScanAuditFlow(t *testing.T) {
	t.Log("\n🔍 Testing scan, ingestion and audit over HTTP...")
	h := newTestHandler(t)
	repoID := seedAPI(t, h)

	var sc models.Scan
	expect(t, call(t, h, http.MethodPost, "/api/v1/scans", map[string]any{
		"repository_id": repoID, "rule_pack": "1.0.0", "scan_type": models.ScanTypeBase, "last_scanned_commit": "abc",
	}), http.StatusCreated, &sc)
	if !sc.IsLatest {
		t.Error("❌ base scan should be latest")
	}

	var res ingest.Result
	expect(t, call(t, h, http.MethodPost, fmt.Sprintf("/api/v1/scans/%d/findings", sc.ID), []finding.Create{
		{FilePath: "config.yaml", LineNumber: 3, ColumnStart: 1, ColumnEnd: 21, CommitID: "abc", Author: "dev", RuleName: "aws-key"},
		{FilePath: "home/.ssh", CommitID: "abc", Author: "dev", RuleName: "ssh-dir"},
	}), http.StatusCreated, &res)
	if res.Created != 2 {
		t.Fatalf("❌ created = %d, want 2", res.Created)
	}

	var page Page[finding.View]
	expect(t, call(t, h, http.MethodGet, "/api/v1/findings?status=NOT_ANALYZED&rule_name=aws-key", nil), http.StatusOK, &page)
	if page.Total != 1 || page.Limit != 100 {
		t.Fatalf("❌ page = %+v, want one aws-key finding with the default limit", page)
	}
	findingID := page.Data[0].ID

	expect(t, call(t, h, http.MethodPost, "/api/v1/audits", map[string]any{
		"finding_ids": []uint{findingID}, "status": models.StatusTruePositive, "auditor": "alice", "comment": "rotate it",
	}), http.StatusCreated, nil)

	var view finding.View
	expect(t, call(t, h, http.MethodGet, fmt.Sprintf("/api/v1/findings/%d", findingID), nil), http.StatusOK, &view)
	if view.Status != models.StatusTruePositive || view.Auditor != "alice" {
		t.Errorf("view = %+v", view)
	}

	var counts map[string]int64
	expect(t, call(t, h, http.MethodGet, "/api/v1/findings/count-by-status", nil), http.StatusOK, &counts)
	if counts[models.StatusTruePositive] != 1 || counts[models.StatusNotAnalyzed] != 1 {
		t.Errorf("counts = %v", counts)
	}

	var history []models.Audit
	expect(t, call(t, h, http.MethodGet, fmt.Sprintf("/api/v1/findings/%d/audits", findingID), nil), http.StatusOK, &history)
	if len(history) != 1 {
		t.Errorf("%d audits in history, want 1", len(history))
	}

	var rules []string
	expect(t, call(t, h, http.MethodGet, "/api/v1/findings/detected-rules", nil), http.StatusOK, &rules)
	if len(rules) != 2 {
		t.Errorf("detected rules = %v", rules)
	}

	var scanPage Page[finding.View]
	expect(t, call(t, h, http.MethodGet, fmt.Sprintf("/api/v1/scans/%d/findings", sc.ID), nil), http.StatusOK, &scanPage)
	if scanPage.Total != 2 {
		t.Errorf("scan findings total = %d, want 2", scanPage.Total)
	}
	t.Log("\n✅ HTTP flow test passed")
}

func TestRulePackEndpoints(t *testing.T) {
	h := newTestHandler(t)
	seedAPI(t, h)

	var rules []models.Rule
	expect(t, call(t, h, http.MethodGet, "/api/v1/rule-packs/1.0.0/rules", nil), http.StatusOK, &rules)
	if len(rules) != 2 {
		t.Errorf("%d rules, want 2", len(rules))
	}

	var tags []string
	expect(t, call(t, h, http.MethodGet, "/api/v1/rule-packs/tags?version=1.0.0", nil), http.StatusOK, &tags)
	if len(tags) != 2 {
		t.Errorf("tags = %v", tags)
	}

	var packs Page[models.RulePack]
	expect(t, call(t, h, http.MethodGet, "/api/v1/rule-packs?active=true", nil), http.StatusOK, &packs)
	if packs.Total != 1 || !packs.Data[0].Active {
		t.Errorf("active packs = %+v", packs)
	}

	var outdated map[string]int
	expect(t, call(t, h, http.MethodPost, "/api/v1/rule-packs/1.0.0/mark-as-outdated", nil), http.StatusOK, &outdated)
	if outdated["outdated"] != 0 {
		t.Errorf("outdated = %v, want 0 without findings", outdated)
	}

	expect(t, call(t, h, http.MethodGet, "/api/v1/rule-packs/1.0.0/rules/nope", nil), http.StatusNotFound, nil)
}

func TestErrorStatuses(t *testing.T) {
	h := newTestHandler(t)
	repoID := seedAPI(t, h)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown scan", http.MethodGet, "/api/v1/scans/999", nil, http.StatusNotFound},
		{"malformed id", http.MethodGet, "/api/v1/scans/abc", nil, http.StatusUnprocessableEntity},
		{"duplicate rule pack", http.MethodPost, "/api/v1/rule-packs", map[string]any{"version": "1.0.0", "rules": []any{}}, http.StatusConflict},
		{"malformed version", http.MethodPost, "/api/v1/rule-packs", map[string]any{"version": "1.0", "rules": []any{}}, http.StatusUnprocessableEntity},
		{"bad scan type", http.MethodPost, "/api/v1/scans", map[string]any{"repository_id": repoID, "rule_pack": "1.0.0", "scan_type": "FULL", "last_scanned_commit": "a"}, http.StatusUnprocessableEntity},
		{"malformed body", http.MethodPost, "/api/v1/audits", "{", http.StatusUnprocessableEntity},
		{"unknown field", http.MethodPost, "/api/v1/audits", `{"finding":1}`, http.StatusUnprocessableEntity},
		{"oversized page", http.MethodGet, "/api/v1/findings?limit=5000", nil, http.StatusUnprocessableEntity},
		{"bad date", http.MethodGet, "/api/v1/findings?start_date_time=yesterday", nil, http.StatusUnprocessableEntity},
		{"audit of unknown finding", http.MethodPost, "/api/v1/audits", map[string]any{"finding_ids": []uint{77}, "status": models.StatusFalsePositive, "auditor": "bob"}, http.StatusNotFound},
		{"repository without scans", http.MethodGet, fmt.Sprintf("/api/v1/repositories/%d/last-scan", repoID), nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body ErrorResponse
			expect(t, call(t, h, tt.method, tt.path, tt.body), tt.want, &body)
			if body.Detail == "" {
				t.Error("❌ error response without detail")
			}
		})
	}
}

func TestWriteErrorHidesInternalFailures(t *testing.T) {
	tests := []struct {
		err    error
		status int
		detail string
	}{
		{errors.New("pq: connection refused"), http.StatusInternalServerError, internalErrorMessage},
		{&apperr.Error{Kind: apperr.KindIntegrity, Message: "constraint violated"}, http.StatusBadRequest, "constraint violated"},
		{apperr.Forbidden("op", "not allowed"), http.StatusForbidden, "not allowed"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
		var body ErrorResponse
		json.Unmarshal(rec.Body.Bytes(), &body)
		if rec.Code != tt.status || body.Detail != tt.detail {
			t.Errorf("%v: got %d %q, want %d %q", tt.err, rec.Code, body.Detail, tt.status, tt.detail)
		}
	}
}

func TestRequestIDAndMetrics(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("request id = %q, want the caller's", got)
	}

	rec = call(t, h, http.MethodGet, "/health", nil)
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("❌ no request id assigned")
	}

	rec = call(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `leakwatch_http_requests_total{code="200",method="GET",route="GET /health"}`) {
		t.Errorf("metrics output missing request counter:\n%s", rec.Body.String())
	}
}
