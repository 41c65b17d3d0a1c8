// Package queue mirrors chat transcripts to an external queue for archiving
// pipelines that consume them outside this service. Mirroring is best
// effort; a failed send is logged and never fails the chat request.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/pmoraes/chat-backend/internal/domain"
)

// TranscriptExport is one archived chat turn: the user message and the
// provider's answer, with enough metadata to attribute the exchange.
type TranscriptExport struct {
	SessionID string               `json:"session_id"`
	Provider  string               `json:"provider"`
	Source    string               `json:"source"`
	Messages  []domain.ChatMessage `json:"messages"`
	CreatedAt time.Time            `json:"created_at"`
}

// Queue mirrors transcripts to a message queue. The HTTP service only
// publishes; ReceiveTranscripts and DeleteTranscript exist for the archival
// consumer, which runs as a separate process draining the same queue.
type Queue interface {
	SendTranscript(ctx context.Context, export TranscriptExport) error
	ReceiveTranscripts(ctx context.Context, maxMessages int) ([]TranscriptExport, error)
	DeleteTranscript(ctx context.Context, receiptHandle string) error
}

type SQSQueue struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSQueue(ctx context.Context, region, queueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSQueue{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSQueueWithConfig(cfg aws.Config, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (q *SQSQueue) SendTranscript(ctx context.Context, export TranscriptExport) error {
	body, err := json.Marshal(export)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"SessionID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(export.SessionID),
			},
			"Provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(export.Provider),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send transcript: %w", err)
	}
	return nil
}

func (q *SQSQueue) ReceiveTranscripts(ctx context.Context, maxMessages int) ([]TranscriptExport, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       20,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive transcripts: %w", err)
	}

	exports := make([]TranscriptExport, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var export TranscriptExport
		if err := json.Unmarshal([]byte(*msg.Body), &export); err != nil {
			slog.Warn("failed to unmarshal transcript message", "error", err)
			continue
		}
		exports = append(exports, export)
	}
	return exports, nil
}

func (q *SQSQueue) DeleteTranscript(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	return nil
}

// InMemoryQueue backs tests and local development.
type InMemoryQueue struct {
	mu      sync.Mutex
	exports []TranscriptExport
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{exports: make([]TranscriptExport, 0)}
}

func (q *InMemoryQueue) SendTranscript(_ context.Context, export TranscriptExport) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.exports = append(q.exports, export)
	return nil
}

func (q *InMemoryQueue) ReceiveTranscripts(_ context.Context, maxMessages int) ([]TranscriptExport, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := maxMessages
	if count > len(q.exports) {
		count = len(q.exports)
	}

	result := make([]TranscriptExport, count)
	copy(result, q.exports[:count])
	q.exports = q.exports[count:]
	return result, nil
}

func (q *InMemoryQueue) DeleteTranscript(context.Context, string) error {
	return nil
}

// Exports returns a snapshot of everything sent and not yet received.
func (q *InMemoryQueue) Exports() []TranscriptExport {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]TranscriptExport, len(q.exports))
	copy(result, q.exports)
	return result
}
