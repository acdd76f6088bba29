package queuebackend

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/config"
)

// AzureBackend is the production Backend, implemented over Azure Storage
// Queue (spec §6). Identity-based auth via StorageAccountName is
// preferred; ConnectionString is the documented fallback.
type AzureBackend struct {
	main *azqueue.QueueClient
	dlq  *azqueue.QueueClient
}

// NewAzureBackend builds an AzureBackend for the configured account and
// queue names.
func NewAzureBackend(cfg config.Azure, queueCfg config.Queue) (*AzureBackend, error) {
	var svc *azqueue.ServiceClient
	var err error

	switch {
	case cfg.ConnectionString != "":
		svc, err = azqueue.NewServiceClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.StorageAccountName != "":
		// AZURE_CLIENT_ID (config.Azure.ClientID) is picked up by
		// DefaultAzureCredential from the environment directly; nothing
		// further to configure here.
		var cred azcore.TokenCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("queuebackend: default azure credential: %w", err)
		}
		url := fmt.Sprintf("https://%s.queue.core.windows.net/", cfg.StorageAccountName)
		svc, err = azqueue.NewServiceClient(url, cred, nil)
	default:
		return nil, fmt.Errorf("queuebackend: neither storage_account_name nor connection_string configured")
	}
	if err != nil {
		return nil, fmt.Errorf("queuebackend: azure service client: %w", err)
	}

	return &AzureBackend{
		main: svc.NewQueueClient(queueCfg.Name),
		dlq:  svc.NewQueueClient(queueCfg.DeadLetterName),
	}, nil
}

func (b *AzureBackend) Receive(ctx context.Context, visibilityTimeout time.Duration) (*Message, error) {
	vt := int32(visibilityTimeout.Seconds())
	one := int32(1)
	resp, err := b.main.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  &one,
		VisibilityTimeout: &vt,
	})
	if err != nil {
		return nil, fmt.Errorf("queuebackend: dequeue: %w", err)
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	m := resp.Messages[0]

	var dequeueCount int64
	if m.DequeueCount != nil {
		dequeueCount = *m.DequeueCount
	}
	var body []byte
	if m.MessageText != nil {
		body = []byte(*m.MessageText)
	}

	return &Message{
		ID:           derefStr(m.MessageID),
		PopReceipt:   derefStr(m.PopReceipt),
		DequeueCount: dequeueCount,
		Body:         body,
	}, nil
}

func (b *AzureBackend) Delete(ctx context.Context, msg Message) error {
	_, err := b.main.DeleteMessage(ctx, msg.ID, msg.PopReceipt, nil)
	if err != nil {
		return fmt.Errorf("queuebackend: delete %s: %w", msg.ID, err)
	}
	return nil
}

func (b *AzureBackend) UpdateVisibility(ctx context.Context, msg Message, timeout time.Duration) error {
	vt := int32(timeout.Seconds())
	_, err := b.main.UpdateMessage(ctx, msg.ID, msg.PopReceipt, string(msg.Body), vt, nil)
	if err != nil {
		return fmt.Errorf("queuebackend: update visibility %s: %w", msg.ID, err)
	}
	return nil
}

func (b *AzureBackend) SendToDeadLetter(ctx context.Context, body []byte) error {
	_, err := b.dlq.EnqueueMessage(ctx, string(body), nil)
	if err != nil {
		return fmt.Errorf("queuebackend: enqueue dlq: %w", err)
	}
	return nil
}

func (b *AzureBackend) ApproximateCount(ctx context.Context) (int64, error) {
	return approxCount(ctx, b.main)
}

func (b *AzureBackend) ApproximateDeadLetterCount(ctx context.Context) (int64, error) {
	return approxCount(ctx, b.dlq)
}

func approxCount(ctx context.Context, q *azqueue.QueueClient) (int64, error) {
	props, err := q.GetProperties(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("queuebackend: get properties: %w", err)
	}
	if props.ApproximateMessagesCount == nil {
		return 0, nil
	}
	return int64(*props.ApproximateMessagesCount), nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
