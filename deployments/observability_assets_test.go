package deployments

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/querybench/querybench/internal/observability"
)

type ruleFile struct {
	Groups []struct {
		Name  string `yaml:"name"`
		Rules []struct {
			Record string            `yaml:"record"`
			Alert  string            `yaml:"alert"`
			Expr   string            `yaml:"expr"`
			Labels map[string]string `yaml:"labels"`
		} `yaml:"rules"`
	} `yaml:"groups"`
}

var metricRef = regexp.MustCompile(`\bquerybench_[a-z_]+`)

func TestPrometheusRulesReferenceRegisteredMetrics(t *testing.T) {
	rules := readRules(t)
	registered := registeredMetricNames(t)

	var alerts []string
	records := map[string]bool{}
	for _, group := range rules.Groups {
		for _, rule := range group.Rules {
			if rule.Record != "" {
				records[rule.Record] = true
			}
			if rule.Alert != "" {
				alerts = append(alerts, rule.Alert)
				if rule.Labels["severity"] == "" {
					t.Fatalf("alert %s has no severity label", rule.Alert)
				}
			}
			for _, name := range metricRef.FindAllString(rule.Expr, -1) {
				if !registered[name] {
					t.Fatalf("rule %s%s references unknown metric %q", rule.Record, rule.Alert, name)
				}
			}
		}
	}

	for _, want := range []string{
		"QueryBenchAccuracyBelowTarget",
		"QueryBenchBackendErrorsHigh",
		"QueryBenchHTTPErrorRateHigh",
	} {
		if !strings.Contains(strings.Join(alerts, ","), want) {
			t.Fatalf("rules missing alert %q", want)
		}
	}
	for _, record := range []string{"querybench:backend_error_ratio_15m", "querybench:http_error_rate_5m"} {
		if !records[record] {
			t.Fatalf("rules missing record %q", record)
		}
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	content, err := os.ReadFile(filepath.Join(repoRoot(t), "deployments", "observability", "prometheus", "prometheus-scrape.example.yaml"))
	if err != nil {
		t.Fatalf("read scrape example: %v", err)
	}
	text := string(content)

	for _, token := range []string{
		"metrics_path: /v1/metrics",
		"querybench_rules.yaml",
		"job_name: querybench-api",
	} {
		if !strings.Contains(text, token) {
			t.Fatalf("scrape example missing %q", token)
		}
	}
}

func readRules(t *testing.T) ruleFile {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(repoRoot(t), "deployments", "observability", "prometheus", "querybench_rules.yaml"))
	if err != nil {
		t.Fatalf("read rules file: %v", err)
	}
	var rules ruleFile
	if err := yaml.Unmarshal(content, &rules); err != nil {
		t.Fatalf("rules YAML parse error: %v", err)
	}
	if len(rules.Groups) == 0 {
		t.Fatal("rules file has no groups")
	}
	return rules
}

// registeredMetricNames touches every collector so labelled vectors show up
// in the default gatherer, then lists the exposed series names.
func registeredMetricNames(t *testing.T) map[string]bool {
	t.Helper()
	observability.ObserveCase("")
	observability.ObserveStage(observability.StageGenerate, time.Millisecond)
	observability.IncrementGuardRejection("keyword")
	observability.ObserveBackendRequest("test", "ok")
	observability.ObserveQueryRows(1)
	observability.SetLastAccuracy(1)
	handler := observability.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := map[string]bool{}
	for _, family := range families {
		name := family.GetName()
		names[name] = true
		names[name+"_bucket"] = true
		names[name+"_sum"] = true
		names[name+"_count"] = true
	}
	return names
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}
