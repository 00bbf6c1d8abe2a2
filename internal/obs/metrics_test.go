package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                         "/",
		"/metrics":                                 "/metrics",
		"/v1/transmissions/trx_01":                 "/v1/transmissions/:id",
		"/v1/transmissions/trx_01/retry":           "/v1/transmissions/:id/retry",
		"/v1/transmissions/trx_01/history?limit=5": "/v1/transmissions/:id/history",
		"/v1/transmissions/trx_01/a/b":             "/v1/transmissions/trx_01/a/b",
		"/v1/batches/job_1":                        "/v1/batches/:id",
		"/v1/batches/metrics":                      "/v1/batches/metrics",
		"/v1/breakers/org-1/reset":                 "/v1/breakers/:id/reset",
		"/v1/keys/rotate":                          "/v1/keys/rotate",
		"/v1/transmissions":                        "/v1/transmissions",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentKeepsStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/transmissions/trx_1/submit", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d", rr.Code)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
}

func TestServiceInfoKeepsOneSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(serviceInfo)
	SetServiceInfo("transmitd", "v1.2.0", "abc123")
	SetServiceInfo("transmitd", "v1.3.0", "def456")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 1 || len(families[0].GetMetric()) != 1 {
		t.Fatalf("expected one series, got %v", families)
	}
	m := families[0].GetMetric()[0]
	labels := map[string]string{}
	for _, l := range m.GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	if labels["service"] != "transmitd" || labels["version"] != "v1.3.0" || m.GetGauge().GetValue() != 1 {
		t.Fatalf("unexpected series %v", m)
	}
}
