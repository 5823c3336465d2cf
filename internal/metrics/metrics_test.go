// ABOUTME: Tests for the Prometheus metrics collector
// ABOUTME: Verifies counters via testutil and the exposition handler output

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordAuthDecision(t *testing.T) {
	m := New()

	m.RecordAuthDecision("token", true, "")
	m.RecordAuthDecision("token", true, "")
	m.RecordAuthDecision("token", false, "token_mismatch")

	accepted := testutil.ToFloat64(m.authDecisions.WithLabelValues("token", "accepted", ""))
	if accepted != 2 {
		t.Errorf("accepted count = %v, want 2", accepted)
	}
	rejected := testutil.ToFloat64(m.authDecisions.WithLabelValues("token", "rejected", "token_mismatch"))
	if rejected != 1 {
		t.Errorf("rejected count = %v, want 1", rejected)
	}
}

func TestAcceptedDecisionDropsReason(t *testing.T) {
	m := New()

	// Reason labels on accepted decisions would explode cardinality.
	m.RecordAuthDecision("mesh", true, "leftover_reason")

	got := testutil.ToFloat64(m.authDecisions.WithLabelValues("mesh", "accepted", ""))
	if got != 1 {
		t.Errorf("accepted count with empty reason = %v, want 1", got)
	}
}

func TestRecordTurn(t *testing.T) {
	m := New()

	m.RecordTurn("claude", true, 2*time.Second)
	m.RecordTurn("claude", false, time.Second)

	ok := testutil.ToFloat64(m.turnsTotal.WithLabelValues("claude", "success"))
	if ok != 1 {
		t.Errorf("success turns = %v, want 1", ok)
	}
	failed := testutil.ToFloat64(m.turnsTotal.WithLabelValues("claude", "error"))
	if failed != 1 {
		t.Errorf("error turns = %v, want 1", failed)
	}
}

func TestSessionGauges(t *testing.T) {
	m := New()

	m.SetActiveSessions(5, 2)
	if got := testutil.ToFloat64(m.sessionsActive); got != 5 {
		t.Errorf("sessionsActive = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.sessionsElevated); got != 2 {
		t.Errorf("sessionsElevated = %v, want 2", got)
	}

	m.SetActiveSessions(0, 0)
	if got := testutil.ToFloat64(m.sessionsActive); got != 0 {
		t.Errorf("sessionsActive after reset = %v, want 0", got)
	}
}

func TestHandlerServesExpositionFormat(t *testing.T) {
	m := New()
	m.SetBuildInfo("v0.1.0", "go1.24")
	m.RecordAuditAppend(true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# HELP warden_build_info",
		"# TYPE warden_build_info gauge",
		`warden_build_info{go_version="go1.24",version="v0.1.0"} 1`,
		`warden_audit_appends_total{outcome="success"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition output missing %q", want)
		}
	}
}

func TestCompletionPollOutcomes(t *testing.T) {
	m := New()

	m.RecordCompletionPoll("retry")
	m.RecordCompletionPoll("retry")
	m.RecordCompletionPoll("success")

	if got := testutil.ToFloat64(m.completionPolls.WithLabelValues("retry")); got != 2 {
		t.Errorf("retry polls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.completionPolls.WithLabelValues("success")); got != 1 {
		t.Errorf("success polls = %v, want 1", got)
	}
}
