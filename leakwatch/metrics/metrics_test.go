package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesCounters(t *testing.T) {
	AuditsCreated.WithLabelValues("OUTDATED", AuditOrigin(true)).Add(3)

	if got := testutil.ToFloat64(AuditsCreated.WithLabelValues("OUTDATED", "automated")); got < 3 {
		t.Errorf("audits counter = %v, want at least 3", got)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), "leakwatch_audits_created_total") {
		t.Error("metrics output is missing leakwatch_audits_created_total")
	}
}
