package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecordRequestExposedViaHandler(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("posts", "200", 12*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "cardinal_requests_total") {
		t.Fatalf("expected cardinal_requests_total in output, got:\n%s", body)
	}
	if !strings.Contains(body, `destination="posts"`) {
		t.Fatalf("expected destination label in output, got:\n%s", body)
	}
}

func TestRecordResolverOutcome(t *testing.T) {
	c := NewCollector()
	c.RecordResolverOutcome("unknown_destination")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "cardinal_resolver_outcomes_total") {
		t.Fatal("expected cardinal_resolver_outcomes_total in output")
	}
}
