// Package classify maps a pipeline failure onto one of the four error
// kinds that drive retry/DLQ policy (spec §4.2). Rule order is the
// authoritative contract: the first matching rule wins.
package classify

import (
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/config"
)

// Kind is the classifier's output domain (spec §7).
type Kind string

const (
	Retryable    Kind = "retryable"
	NonRetryable Kind = "non_retryable"
	Poison       Kind = "poison"
	Ignorable    Kind = "ignorable"
)

// Decision is the classifier's verdict plus the reason it's exposed for
// telemetry, per §4.2's "must expose its decision reason" requirement.
type Decision struct {
	Kind   Kind
	Reason string
}

// Input carries everything the classifier needs to evaluate the ordered
// rule list. Go has no exception hierarchy to introspect, so the explicit
// classification (rule 1) and structured system context (rule 3's
// jsonpath matching) travel alongside the error value itself.
type Input struct {
	Err           error
	ExplicitKind  Kind
	SystemContext map[string]any
}

// Engine evaluates the ordered rule list against a failure. It is
// stateless apart from its configuration, so a single instance is safe
// for concurrent use across workers.
type Engine struct {
	cfg config.Classifier
}

// New builds a classifier over the given allowlists. cfg is copied, so
// later mutation of the caller's config does not affect this engine —
// classifier allowlists are intended to change only on config reload.
func New(cfg config.Classifier) *Engine {
	return &Engine{cfg: cfg}
}

// Classify evaluates rules 1 through 7 of §4.2 in order and returns the
// first match.
func (e *Engine) Classify(in Input) Decision {
	// Rule 1: explicit classification attribute.
	if in.ExplicitKind != "" {
		return Decision{Kind: in.ExplicitKind, Reason: "explicit classification carried by the error"}
	}

	// Rule 2: global retry kill-switch.
	if !e.cfg.AllowRetries {
		return Decision{Kind: NonRetryable, Reason: "retries disabled (classifier.allow_retries=false)"}
	}

	var msg string
	if in.Err != nil {
		msg = strings.ToLower(in.Err.Error())
	}

	// Rule 3: configurable ignorable allowlist, substring or structured.
	if kind, reason, ok := matchSubstrings(msg, e.cfg.IgnorableSubstrings); ok {
		return Decision{Kind: kind, Reason: reason}
	}
	if reason, ok := matchStructured(in.SystemContext, e.cfg.IgnorableJSONPathRules); ok {
		return Decision{Kind: Ignorable, Reason: reason}
	}

	// Rule 4: network / OS / timeout / throttle markers.
	if kind, reason, ok := matchSubstringsAs(msg, e.cfg.RetryableSubstrings, Retryable); ok {
		return Decision{Kind: kind, Reason: reason}
	}

	// Rule 5: auth / config / validation / prompt-contract errors.
	if kind, reason, ok := matchSubstringsAs(msg, e.cfg.NonRetryableSubstrings, NonRetryable); ok {
		return Decision{Kind: kind, Reason: reason}
	}

	// Rule 6: hard-termination markers from orchestration.
	if kind, reason, ok := matchSubstringsAs(msg, e.cfg.HardTerminationMarkers, Retryable); ok {
		return Decision{Kind: kind, Reason: reason}
	}

	// Rule 7: default.
	return Decision{Kind: Retryable, Reason: "no rule matched; defaulting to retryable"}
}

func matchSubstrings(msg string, patterns []string) (Kind, string, bool) {
	return matchSubstringsAs(msg, patterns, Ignorable)
}

func matchSubstringsAs(msg string, patterns []string, kind Kind) (Kind, string, bool) {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(msg, strings.ToLower(p)) {
			return kind, fmt.Sprintf("matched pattern %q", p), true
		}
	}
	return "", "", false
}

// matchStructured evaluates each configured jsonpath rule against the
// failure's system context, grounded in the teacher's
// ClassificationEngine.matchPayloadField.
func matchStructured(systemContext map[string]any, rules []config.StructuredRule) (string, bool) {
	if len(systemContext) == 0 {
		return "", false
	}
	for _, rule := range rules {
		if rule.JSONPath == "" {
			continue
		}
		value, err := jsonpath.Get(rule.JSONPath, map[string]any(systemContext))
		if err != nil {
			continue
		}
		if fmt.Sprintf("%v", value) == rule.Equals {
			return fmt.Sprintf("matched structured rule %s == %s", rule.JSONPath, rule.Equals), true
		}
	}
	return "", false
}
