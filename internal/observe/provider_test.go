package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInitProvider_ServesMetrics(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Room:           "lobby",
		Identity:       "agent",
		Registry:       reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.TurnsFinalized.Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "turnlog_turns_finalized") {
		t.Errorf("metrics output missing turnlog_turns_finalized:\n%s", body)
	}
}

func TestInitProvider_RejectsBadSampleRatio(t *testing.T) {
	if _, err := InitProvider(context.Background(), ProviderConfig{TraceSampleRatio: 1.5}); err == nil {
		t.Error("expected error for sample ratio above 1")
	}
}

func TestProviderConfig_ResourceAttributes(t *testing.T) {
	t.Parallel()

	res, err := ProviderConfig{ServiceName: "turnlog", Room: "lobby", Identity: "agent"}.resource()
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for k, want := range map[string]string{
		"service.name":           "turnlog",
		"turnlog.room":           "lobby",
		"turnlog.agent_identity": "agent",
	} {
		if got[k] != want {
			t.Errorf("%s = %q, want %q", k, got[k], want)
		}
	}
}
