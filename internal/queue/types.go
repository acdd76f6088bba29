package queue

import (
	"fmt"
	"time"
)

// MigrationRequest is the immutable unit of work produced by the Message
// Codec. Folder paths are always scoped by process_id/... per the
// container layout described in the external interfaces.
type MigrationRequest struct {
	ProcessID           string
	UserID              string
	ContainerName       string
	SourceFileFolder    string
	WorkspaceFileFolder string
	OutputFileFolder    string
	Priority            string
	CreatedAt           time.Time
}

const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"

	defaultContainerName   = "processes"
	defaultSourceFolder    = "source"
	defaultWorkspaceFolder = "workspace"
	defaultOutputFolder    = "converted"
)

// DefaultMigrationRequest synthesizes a complete MigrationRequest from just
// a process_id and user_id, the same auto-completion the original queue
// service performs when only the short form of a message is received.
func DefaultMigrationRequest(processID, userID string) MigrationRequest {
	return MigrationRequest{
		ProcessID:           processID,
		UserID:              userID,
		ContainerName:       defaultContainerName,
		SourceFileFolder:    fmt.Sprintf("%s/%s", processID, defaultSourceFolder),
		WorkspaceFileFolder: fmt.Sprintf("%s/%s", processID, defaultWorkspaceFolder),
		OutputFileFolder:    fmt.Sprintf("%s/%s", processID, defaultOutputFolder),
		Priority:            PriorityNormal,
	}
}

// Validate checks the mandatory-field invariant from the data model: every
// MigrationRequest must carry these fields after codec normalization, or
// it is a poison message. user_id is exempt — the data model allows it
// empty.
func (m MigrationRequest) Validate() error {
	missing := make([]string, 0, 4)
	if m.ProcessID == "" {
		missing = append(missing, "process_id")
	}
	if m.ContainerName == "" {
		missing = append(missing, "container_name")
	}
	if m.SourceFileFolder == "" {
		missing = append(missing, "source_file_folder")
	}
	if m.WorkspaceFileFolder == "" {
		missing = append(missing, "workspace_file_folder")
	}
	if m.OutputFileFolder == "" {
		missing = append(missing, "output_file_folder")
	}
	if len(missing) > 0 {
		return fmt.Errorf("migration_request missing mandatory fields: %v", missing)
	}
	return nil
}

// QueueMessage wraps a MigrationRequest with the queue backend's
// lease-related metadata. RetryCount mirrors the payload's own advisory
// counter, kept only for telemetry; the core trusts DequeueCount
// exclusively (§9, "Retry-count transport").
type QueueMessage struct {
	MessageID    string
	PopReceipt   string
	DequeueCount int64
	RawPayload   []byte
	Request      MigrationRequest
	RetryCount   int
}

// DLQEnvelope is the augmented payload written to the dead-letter queue:
// the original raw content plus the failure metadata from §6.
type DLQEnvelope struct {
	OriginalMessage string `json:"original_message"`
	FailureReason   string `json:"failure_reason"`
	FailureTime     int64  `json:"failure_time"`
	RetryCount      int64  `json:"retry_count"`
	ProcessID       string `json:"process_id"`
	IsPoisonMessage bool   `json:"is_poison_message"`
}
