package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// knownTopLevelKeys is the accept-list from §4.1 step 4: anything else on
// the wire is dropped, not rejected.
var knownTopLevelKeys = map[string]struct{}{
	"process_id":        {},
	"migration_request": {},
	"user_id":           {},
	"retry_count":       {},
	"created_time":      {},
	"priority":          {},
}

// PoisonError marks a payload the codec could not turn into a
// MigrationRequest. The queue service routes these straight to the DLQ.
type PoisonError struct {
	Reason string
}

func (e *PoisonError) Error() string {
	return fmt.Sprintf("poison message: %s", e.Reason)
}

func poison(reason string) error {
	return &PoisonError{Reason: reason}
}

// Decode turns a raw queue payload into a MigrationRequest, following the
// same base64-detect / JSON-parse / auto-complete algorithm as the
// original queue service's MigrationQueueMessage.from_queue_message.
// log may be nil; it only receives debug-level notices about dropped
// fields.
func Decode(raw []byte, log *zap.Logger) (MigrationRequest, error) {
	if len(raw) == 0 {
		return MigrationRequest{}, poison("empty payload")
	}
	if !utf8.Valid(raw) {
		return MigrationRequest{}, poison("payload is not valid UTF-8")
	}

	content := raw
	if decoded, ok := tryBase64(string(raw)); ok {
		content = []byte(decoded)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(content, &fields); err != nil {
		return MigrationRequest{}, poison(fmt.Sprintf("invalid JSON: %v", err))
	}

	for key := range fields {
		if _, known := knownTopLevelKeys[key]; !known {
			if log != nil {
				log.Debug("dropping unexpected queue message field", zap.String("field", key))
			}
			delete(fields, key)
		}
	}

	var processID, userID, priority, createdTime string
	if v, ok := fields["process_id"]; ok {
		_ = json.Unmarshal(v, &processID)
	}
	if v, ok := fields["user_id"]; ok {
		_ = json.Unmarshal(v, &userID)
	}
	if v, ok := fields["priority"]; ok {
		_ = json.Unmarshal(v, &priority)
	}
	if v, ok := fields["created_time"]; ok {
		_ = json.Unmarshal(v, &createdTime)
	}

	var mr MigrationRequest
	if sub, ok := fields["migration_request"]; ok {
		var parsed struct {
			ProcessID           string `json:"process_id"`
			UserID              string `json:"user_id"`
			ContainerName       string `json:"container_name"`
			SourceFileFolder    string `json:"source_file_folder"`
			WorkspaceFileFolder string `json:"workspace_file_folder"`
			OutputFileFolder    string `json:"output_file_folder"`
		}
		if err := json.Unmarshal(sub, &parsed); err != nil {
			return MigrationRequest{}, poison(fmt.Sprintf("invalid migration_request: %v", err))
		}
		mr = MigrationRequest{
			ProcessID:           parsed.ProcessID,
			UserID:              parsed.UserID,
			ContainerName:       parsed.ContainerName,
			SourceFileFolder:    parsed.SourceFileFolder,
			WorkspaceFileFolder: parsed.WorkspaceFileFolder,
			OutputFileFolder:    parsed.OutputFileFolder,
		}
	} else if processID != "" {
		// Short form: only process_id (and maybe user_id) present.
		// Synthesize the canonical shape with default folders.
		mr = DefaultMigrationRequest(processID, userID)
	} else {
		return MigrationRequest{}, poison("missing process_id")
	}

	if mr.ProcessID == "" {
		mr.ProcessID = processID
	}
	if mr.UserID == "" {
		mr.UserID = userID
	}
	if priority == "" {
		priority = PriorityNormal
	}
	mr.Priority = priority

	if createdTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, createdTime); err == nil {
			mr.CreatedAt = t
		}
	}
	if mr.CreatedAt.IsZero() {
		mr.CreatedAt = time.Now().UTC()
	}

	if err := mr.Validate(); err != nil {
		return MigrationRequest{}, poison(err.Error())
	}
	return mr, nil
}

// tryBase64 mirrors the original's is_base64_encoded: strict decode, then
// re-encode and compare to the input, rejecting anything that isn't a
// faithful round trip (and anything that doesn't decode to valid UTF-8).
func tryBase64(s string) (string, bool) {
	decoded, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		return "", false
	}
	if base64.StdEncoding.EncodeToString(decoded) != s {
		return "", false
	}
	if !utf8.Valid(decoded) {
		return "", false
	}
	return string(decoded), true
}

// Encode serializes a MigrationRequest into the canonical wire form from
// §6, used by DLQ forensics and by tests to exercise the codec round-trip.
func Encode(mr MigrationRequest) ([]byte, error) {
	wire := struct {
		ProcessID        string `json:"process_id"`
		UserID           string `json:"user_id,omitempty"`
		MigrationRequest struct {
			ProcessID           string `json:"process_id"`
			UserID              string `json:"user_id"`
			ContainerName       string `json:"container_name"`
			SourceFileFolder    string `json:"source_file_folder"`
			WorkspaceFileFolder string `json:"workspace_file_folder"`
			OutputFileFolder    string `json:"output_file_folder"`
		} `json:"migration_request"`
		RetryCount  int    `json:"retry_count"`
		CreatedTime string `json:"created_time"`
		Priority    string `json:"priority"`
	}{
		ProcessID:   mr.ProcessID,
		UserID:      mr.UserID,
		CreatedTime: mr.CreatedAt.UTC().Format(time.RFC3339Nano),
		Priority:    mr.Priority,
	}
	wire.MigrationRequest.ProcessID = mr.ProcessID
	wire.MigrationRequest.UserID = mr.UserID
	wire.MigrationRequest.ContainerName = mr.ContainerName
	wire.MigrationRequest.SourceFileFolder = mr.SourceFileFolder
	wire.MigrationRequest.WorkspaceFileFolder = mr.WorkspaceFileFolder
	wire.MigrationRequest.OutputFileFolder = mr.OutputFileFolder

	return json.Marshal(wire)
}
