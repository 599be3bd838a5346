package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(Config{LogLevel: tt.level, LogFormat: "json"})
			if err != nil {
				t.Fatalf("NewLogger: %v", err)
			}
			if !logger.Core().Enabled(tt.want) {
				t.Errorf("level %v should be enabled", tt.want)
			}
			if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
				t.Errorf("level %v should be disabled", tt.want-1)
			}
		})
	}
}

func TestNewLogger_Console(t *testing.T) {
	if _, err := NewLogger(Config{LogFormat: "console", LogLevel: "debug"}); err != nil {
		t.Fatalf("NewLogger console: %v", err)
	}
}

func TestNew_MetricsHandlerExposesRuleForgeMetrics(t *testing.T) {
	tel, err := New(Config{ServiceName: "ruleforge-test", MetricsEnabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tel.Shutdown(context.Background())

	tel.Metrics().TechniquesCatalogued.Set(42)
	tel.Metrics().RulesValidated.WithLabelValues("query", "passed").Inc()

	srv := httptest.NewServer(tel.MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"ruleforge_techniques_catalogued 42",
		`ruleforge_rules_validated_total{result="passed",rule_type="query"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
	if !tel.MetricsEnabled() {
		t.Error("MetricsEnabled should reflect config")
	}
	if tel.Tracer() == nil || tel.Logger() == nil {
		t.Error("tracer and logger should be initialized")
	}
}

func TestNew_IndependentRegistries(t *testing.T) {
	// Two instances must not collide on metric registration.
	for i := 0; i < 2; i++ {
		if _, err := New(Config{ServiceName: "ruleforge-test"}); err != nil {
			t.Fatalf("New #%d: %v", i, err)
		}
	}
}
