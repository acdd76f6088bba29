package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/config"
)

// cosmosDoc is the wire shape of one item in the process-status
// container, partitioned by ProcessID — one item per process_id, per
// SPEC_FULL.md §4.4.
type cosmosDoc struct {
	ID     string `json:"id"`
	PK     string `json:"process_id"`
	Status ProcessStatus `json:"status"`
}

// CosmosStore is the production Store backend: same semaphore-bounded
// concurrency contract as MemoryStore, backed by Cosmos DB via
// azcosmos.ContainerClient (spec §6, §4.4's expansion).
type CosmosStore struct {
	cfg       config.Telemetry
	log       *zap.Logger
	container *azcosmos.ContainerClient

	readSem  *semaphore.Weighted
	writeSem *semaphore.Weighted
}

// NewCosmosStore builds a CosmosStore from Cosmos config, authenticating
// with a key when provided and falling back to azidentity.DefaultAzureCredential
// otherwise, mirroring the Azure queue backend's auth fallback.
func NewCosmosStore(cfg config.Cosmos, telCfg config.Telemetry, log *zap.Logger) (*CosmosStore, error) {
	var client *azcosmos.Client
	var err error

	if cfg.Key != "" {
		cred, credErr := azcosmos.NewKeyCredential(cfg.Key)
		if credErr != nil {
			return nil, fmt.Errorf("telemetry: cosmos key credential: %w", credErr)
		}
		client, err = azcosmos.NewClientWithKey(cfg.Endpoint, cred, nil)
	} else {
		var cred azcore.TokenCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("telemetry: default azure credential: %w", err)
		}
		client, err = azcosmos.NewClient(cfg.Endpoint, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: cosmos client: %w", err)
	}

	container, err := client.NewContainer(cfg.DatabaseName, cfg.ContainerName)
	if err != nil {
		return nil, fmt.Errorf("telemetry: cosmos container %s/%s: %w", cfg.DatabaseName, cfg.ContainerName, err)
	}

	reads := telCfg.MaxConcurrentReads
	if reads <= 0 {
		reads = 50
	}
	writes := telCfg.MaxConcurrentWrites
	if writes <= 0 {
		writes = 10
	}

	return &CosmosStore{
		cfg:       telCfg,
		log:       log,
		container: container,
		readSem:   semaphore.NewWeighted(int64(reads)),
		writeSem:  semaphore.NewWeighted(int64(writes)),
	}, nil
}

func (c *CosmosStore) historyLimit() int {
	if c.cfg.ActivityHistoryLimit <= 0 {
		return 100
	}
	return c.cfg.ActivityHistoryLimit
}

func (c *CosmosStore) previewLimit() int {
	if c.cfg.MessagePreviewMaxRunes <= 0 {
		return 200
	}
	return c.cfg.MessagePreviewMaxRunes
}

func (c *CosmosStore) readDoc(ctx context.Context, processID string) (*ProcessStatus, bool, error) {
	if err := c.readSem.Acquire(ctx, 1); err != nil {
		return nil, false, err
	}
	defer c.readSem.Release(1)

	pk := azcosmos.NewPartitionKeyString(processID)
	resp, err := c.container.ReadItem(ctx, pk, processID, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("telemetry: cosmos read %s: %w", processID, err)
	}

	var doc cosmosDoc
	if err := json.Unmarshal(resp.Value, &doc); err != nil {
		return nil, false, fmt.Errorf("telemetry: cosmos decode %s: %w", processID, err)
	}
	return &doc.Status, true, nil
}

func (c *CosmosStore) upsertDoc(ctx context.Context, p *ProcessStatus) error {
	if err := c.writeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.writeSem.Release(1)

	doc := cosmosDoc{ID: p.ID, PK: p.ID, Status: *p}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("telemetry: cosmos encode %s: %w", p.ID, err)
	}

	pk := azcosmos.NewPartitionKeyString(p.ID)
	_, err = c.container.UpsertItem(ctx, pk, body, nil)
	if err != nil {
		return fmt.Errorf("telemetry: cosmos upsert %s: %w", p.ID, err)
	}
	return nil
}

// readModifyWrite is the Cosmos analogue of the memory store's
// lock-mutate pattern: read the item, apply the mutation, upsert it back.
// Cosmos's per-item optimistic concurrency is not exercised here since
// each process_id has exactly one writer goroutine for its lifetime (the
// worker goroutine driving that message) — concurrent cross-process writes
// land on distinct partition keys and never race at the item level.
func (c *CosmosStore) readModifyWrite(ctx context.Context, processID string, mutate func(p *ProcessStatus)) error {
	p, ok, err := c.readDoc(ctx, processID)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Warn("no current process - cannot apply telemetry mutation", zap.String("process_id", processID))
		return nil
	}
	mutate(p)
	return c.upsertDoc(ctx, p)
}

func (c *CosmosStore) InitProcess(ctx context.Context, processID, phase, step string) error {
	p := newSeedProcess(processID, phase, step)
	if err := c.upsertDoc(ctx, p); err != nil {
		return err
	}
	c.log.Info("telemetry process initialized", zap.String("process_id", processID), zap.String("phase", phase))
	return nil
}

func (c *CosmosStore) UpdateAgentActivity(ctx context.Context, processID, agentName, action, messagePreview string, toolUsed bool) error {
	return c.readModifyWrite(ctx, processID, func(p *ProcessStatus) {
		applyUpdateAgentActivity(p, agentName, action, messagePreview, toolUsed, c.historyLimit(), c.previewLimit())
	})
}

func (c *CosmosStore) TrackToolUsage(ctx context.Context, processID, agentName, toolName, toolAction, details, resultPreview string) error {
	return c.readModifyWrite(ctx, processID, func(p *ProcessStatus) {
		applyTrackToolUsage(p, agentName, toolName, toolAction, details, resultPreview, c.previewLimit(), c.historyLimit())
	})
}

func (c *CosmosStore) TransitionToPhase(ctx context.Context, processID, phase, step string) error {
	return c.readModifyWrite(ctx, processID, func(p *ProcessStatus) {
		applyTransitionToPhase(p, phase, step)
	})
}

func (c *CosmosStore) RecordStepResult(ctx context.Context, processID, stepName string, resultDoc map[string]any) error {
	return c.readModifyWrite(ctx, processID, func(p *ProcessStatus) {
		if p.StepResults == nil {
			p.StepResults = make(map[string]StepResultRecord)
		}
		p.StepResults[stepName] = StepResultRecord{Result: resultDoc, Timestamp: time.Now(), StepName: stepName}
	})
}

func (c *CosmosStore) RecordFinalOutcome(ctx context.Context, processID string, outcomeDoc map[string]any, success bool) error {
	return c.readModifyWrite(ctx, processID, func(p *ProcessStatus) {
		applyRecordFinalOutcome(p, outcomeDoc, success)
	})
}

func (c *CosmosStore) RecordFailureOutcome(ctx context.Context, processID string, errMsg, failedStep string, details map[string]any) error {
	return c.readModifyWrite(ctx, processID, func(p *ProcessStatus) {
		applyRecordFailureOutcome(p, errMsg, failedStep, details)
	})
}

func (c *CosmosStore) GetFinalOutcome(ctx context.Context, processID string) (*Outcome, bool, error) {
	p, ok, err := c.readDoc(ctx, processID)
	if err != nil || !ok || p.FinalOutcome == nil {
		return nil, false, err
	}
	return p.FinalOutcome, true, nil
}

func (c *CosmosStore) GetProcess(ctx context.Context, processID string) (*ProcessStatus, bool, error) {
	return c.readDoc(ctx, processID)
}

// ListStaleRunningProcesses cross-partition queries for status=running
// documents, filtering on LastUpdateTime in the client since Cosmos SQL
// has no portable way to bind a Go time.Time as a query parameter's RFC3339
// string and compare it server-side without a dedicated indexed field —
// this container's item volume (one per in-flight process_id) is small
// enough that a full-container scan per sweep is cheap.
func (c *CosmosStore) ListStaleRunningProcesses(ctx context.Context, olderThan time.Time) ([]string, error) {
	if err := c.readSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.readSem.Release(1)

	pager := c.container.NewQueryItemsPager(
		"SELECT * FROM c WHERE c.status.Status = 'running'", azcosmos.NewPartitionKeyString(""),
		&azcosmos.QueryOptions{QueryEnableCrossPartition: true})

	var stale []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("telemetry: cosmos stale-process query: %w", err)
		}
		for _, item := range page.Items {
			var doc cosmosDoc
			if err := json.Unmarshal(item, &doc); err != nil {
				continue
			}
			if doc.Status.LastUpdateTime.Before(olderThan) {
				stale = append(stale, doc.Status.ID)
			}
		}
	}
	return stale, nil
}
