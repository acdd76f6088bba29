package classify

import (
	"errors"
	"testing"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/config"
)

func testConfig() config.Classifier {
	return config.Classifier{
		AllowRetries:           true,
		IgnorableSubstrings:    []string{"service failed to complete"},
		RetryableSubstrings:    []string{"timeout", "503", "rate limit"},
		NonRetryableSubstrings: []string{"invalid", "unauthorized"},
		HardTerminationMarkers: []string{"connection reset"},
	}
}

func TestClassifyExplicitAttributeWinsFirst(t *testing.T) {
	e := New(testConfig())
	d := e.Classify(Input{Err: errors.New("timeout"), ExplicitKind: Poison})
	if d.Kind != Poison {
		t.Fatalf("got %s, want poison (explicit classification must win over substring rules)", d.Kind)
	}
}

func TestClassifyGlobalKillSwitch(t *testing.T) {
	cfg := testConfig()
	cfg.AllowRetries = false
	e := New(cfg)
	d := e.Classify(Input{Err: errors.New("connection timeout")})
	if d.Kind != NonRetryable {
		t.Fatalf("got %s, want non_retryable when allow_retries=false", d.Kind)
	}
}

func TestClassifyIgnorableSubstring(t *testing.T) {
	e := New(testConfig())
	d := e.Classify(Input{Err: errors.New("AzureChatCompletion: service failed to complete request")})
	if d.Kind != Ignorable {
		t.Fatalf("got %s, want ignorable", d.Kind)
	}
}

func TestClassifyRetryableSubstring(t *testing.T) {
	e := New(testConfig())
	d := e.Classify(Input{Err: errors.New("upstream returned 503")})
	if d.Kind != Retryable {
		t.Fatalf("got %s, want retryable", d.Kind)
	}
}

func TestClassifyNonRetryableSubstring(t *testing.T) {
	e := New(testConfig())
	d := e.Classify(Input{Err: errors.New("unauthorized: bad credentials")})
	if d.Kind != NonRetryable {
		t.Fatalf("got %s, want non_retryable", d.Kind)
	}
}

func TestClassifyHardTerminationMarkerIsRetryable(t *testing.T) {
	e := New(testConfig())
	d := e.Classify(Input{Err: errors.New("connection reset by peer")})
	if d.Kind != Retryable {
		t.Fatalf("got %s, want retryable for hard-termination marker", d.Kind)
	}
}

func TestClassifyDefaultsToRetryable(t *testing.T) {
	e := New(testConfig())
	d := e.Classify(Input{Err: errors.New("something entirely unexpected happened")})
	if d.Kind != Retryable {
		t.Fatalf("got %s, want retryable default", d.Kind)
	}
}

func TestClassifyStructuredJSONPathRule(t *testing.T) {
	cfg := testConfig()
	cfg.IgnorableJSONPathRules = []config.StructuredRule{
		{JSONPath: "$.response.status_code", Equals: "499"},
	}
	e := New(cfg)
	d := e.Classify(Input{
		Err: errors.New("client closed request"),
		SystemContext: map[string]any{
			"response": map[string]any{"status_code": "499"},
		},
	})
	if d.Kind != Ignorable {
		t.Fatalf("got %s, want ignorable via structured jsonpath rule", d.Kind)
	}
}

func TestClassifyOrderIgnorableBeforeRetryable(t *testing.T) {
	// An error matching both an ignorable substring and a retryable one
	// must classify as ignorable (rule 3 precedes rule 4).
	cfg := testConfig()
	cfg.IgnorableSubstrings = []string{"timeout"}
	e := New(cfg)
	d := e.Classify(Input{Err: errors.New("timeout while calling service")})
	if d.Kind != Ignorable {
		t.Fatalf("got %s, want ignorable (rule 3 must win over rule 4)", d.Kind)
	}
}
