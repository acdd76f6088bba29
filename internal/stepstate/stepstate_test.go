package stepstate

import (
	"testing"
	"time"
)

func TestTimingInvariants(t *testing.T) {
	s := New("Analysis")
	s.SetExecutionStart()
	time.Sleep(2 * time.Millisecond)
	s.SetOrchestrationStart()
	time.Sleep(2 * time.Millisecond)
	s.SetOrchestrationEnd()
	time.Sleep(2 * time.Millisecond)
	s.SetExecutionEnd()

	if !(s.ExecutionStart.Before(s.OrchestrationStart) || s.ExecutionStart.Equal(s.OrchestrationStart)) {
		t.Fatalf("execution_start must be <= orchestration_start")
	}
	if !(s.OrchestrationStart.Before(s.OrchestrationEnd) || s.OrchestrationStart.Equal(s.OrchestrationEnd)) {
		t.Fatalf("orchestration_start must be <= orchestration_end")
	}
	if !(s.OrchestrationEnd.Before(s.ExecutionEnd) || s.OrchestrationEnd.Equal(s.ExecutionEnd)) {
		t.Fatalf("orchestration_end must be <= execution_end")
	}

	total := s.TotalDuration()
	tail := s.ExecutionEnd.Sub(s.OrchestrationEnd)
	want := s.SetupDuration() + s.OrchestrationDuration() + tail
	if total != want {
		t.Fatalf("total_duration = %v, want setup+orchestration+tail = %v", total, want)
	}
}

func TestZeroValueDurationsAreZero(t *testing.T) {
	s := New("Design")
	if s.SetupDuration() != 0 || s.OrchestrationDuration() != 0 || s.TotalDuration() != 0 {
		t.Fatal("durations should be zero before any timing hook is called")
	}
}

func TestValidatePayloadReportsMissingFields(t *testing.T) {
	payload := map[string]any{
		"manifests_generated": []string{},
		"summary":             "",
		"file_count":          3,
	}
	missing := ValidatePayload(payload, []string{"manifests_generated", "summary", "file_count", "report_path"})
	want := []string{"manifests_generated", "summary", "report_path"}
	if len(missing) != len(want) {
		t.Fatalf("got missing=%v, want %v", missing, want)
	}
	for i, f := range want {
		if missing[i] != f {
			t.Fatalf("got missing=%v, want %v", missing, want)
		}
	}
}

func TestValidatePayloadEmptyWhenAllFieldsPresent(t *testing.T) {
	payload := map[string]any{"summary": "done", "file_count": 1}
	missing := ValidatePayload(payload, []string{"summary", "file_count"})
	if len(missing) != 0 {
		t.Fatalf("got missing=%v, want none", missing)
	}
}
