package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"forgeos.build/internal/core/domain"
)

const (
	deadLetterKey        = "forged:deadletter"
	deadLetterMetaPrefix = "forged:deadletter:meta:"
)

// DeadLetterRecorder keeps failed build requests for inspection. Failed
// requests are terminal, so nothing here feeds back into the queue;
// retry always means a fresh submission.
type DeadLetterRecorder struct {
	client *redis.Client
}

type DeadLetterEntry struct {
	Request     *domain.BuildRequest `json:"request"`
	FailedStage domain.ArtifactKind  `json:"failed_stage,omitempty"`
	FailureTime time.Time            `json:"failure_time"`
	Reason      string               `json:"reason"`
}

func NewDeadLetterRecorder(client *redis.Client) *DeadLetterRecorder {
	return &DeadLetterRecorder{client: client}
}

func (d *DeadLetterRecorder) Add(ctx context.Context, req *domain.BuildRequest, reason string) error {
	entry := DeadLetterEntry{
		Request:     req,
		FailedStage: req.FailedStage,
		FailureTime: time.Now(),
		Reason:      reason,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter entry: %w", err)
	}

	// Sorted set scored by failure time, metadata in a side key.
	score := float64(time.Now().Unix())
	if err := d.client.ZAdd(ctx, deadLetterKey, redis.Z{
		Score:  score,
		Member: req.ID,
	}).Err(); err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}

	metaKey := deadLetterMetaPrefix + req.ID
	if err := d.client.Set(ctx, metaKey, data, 0).Err(); err != nil {
		return fmt.Errorf("store dead letter metadata: %w", err)
	}

	return nil
}

func (d *DeadLetterRecorder) Get(ctx context.Context, requestID string) (*DeadLetterEntry, error) {
	metaKey := deadLetterMetaPrefix + requestID
	data, err := d.client.Get(ctx, metaKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("request not in dead letter record")
		}
		return nil, fmt.Errorf("get dead letter entry: %w", err)
	}

	var entry DeadLetterEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter entry: %w", err)
	}
	return &entry, nil
}

// List returns dead letter entries, newest first.
func (d *DeadLetterRecorder) List(ctx context.Context, offset, limit int64) ([]*DeadLetterEntry, error) {
	ids, err := d.client.ZRevRange(ctx, deadLetterKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	entries := make([]*DeadLetterEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := d.Get(ctx, id)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (d *DeadLetterRecorder) Remove(ctx context.Context, requestID string) error {
	if err := d.client.ZRem(ctx, deadLetterKey, requestID).Err(); err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	if err := d.client.Del(ctx, deadLetterMetaPrefix+requestID).Err(); err != nil {
		return fmt.Errorf("remove dead letter metadata: %w", err)
	}
	return nil
}

func (d *DeadLetterRecorder) Count(ctx context.Context) (int64, error) {
	count, err := d.client.ZCard(ctx, deadLetterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return count, nil
}
