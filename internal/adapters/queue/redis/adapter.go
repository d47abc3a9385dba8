// Package redis carries the build request queue and the status event
// fan-out. Requests travel through a list, events through pub/sub;
// neither channel is interpreted beyond JSON framing.
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"forgeos.build/internal/core/domain"
	"forgeos.build/internal/core/ports"
)

const (
	requestQueueKey = "forged:requests"
	eventChannel    = "forged:events"
)

type Adapter struct {
	client *redis.Client
}

func NewAdapter(url string) (*Adapter, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return &Adapter{client: client}, client, nil
}

var _ ports.RequestQueue = (*Adapter)(nil)
var _ ports.StatusPubSub = (*Adapter)(nil)

func (a *Adapter) Enqueue(ctx context.Context, req *domain.BuildRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return a.client.RPush(ctx, requestQueueKey, data).Err()
}

// Dequeue blocks until a request arrives or the context ends. BLPop runs
// with a short timeout in a loop so cancellation is honored promptly.
func (a *Adapter) Dequeue(ctx context.Context) (*domain.BuildRequest, error) {
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		res, err := a.client.BLPop(ctx, 1*time.Second, requestQueueKey).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		// res[0] is the key, res[1] the payload.
		var req domain.BuildRequest
		if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
			return nil, err
		}
		return &req, nil
	}
}

// Depth reports how many requests are waiting in the queue.
func (a *Adapter) Depth(ctx context.Context) (int64, error) {
	return a.client.LLen(ctx, requestQueueKey).Result()
}

func (a *Adapter) PublishStatus(ctx context.Context, event domain.StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return a.client.Publish(ctx, eventChannel, data).Err()
}

func (a *Adapter) SubscribeStatus(ctx context.Context) (<-chan domain.StatusEvent, error) {
	pubsub := a.client.Subscribe(ctx, eventChannel)
	ch := make(chan domain.StatusEvent)

	go func() {
		defer pubsub.Close()
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var event domain.StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
