package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"marginalia/internal/logging"
)

const relayChannelPrefix = "marginalia:room:"

type relayMessage struct {
	Node       string          `json:"node"`
	DocumentID string          `json:"documentId"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
}

// RedisRelay fans room events out to other processes over Redis pub/sub.
// Each process tags what it publishes and ignores its own messages.
type RedisRelay struct {
	client *redis.Client
	nodeID string
}

func NewRedisRelay(client *redis.Client, nodeID string) *RedisRelay {
	return &RedisRelay{client: client, nodeID: nodeID}
}

func relayChannel(documentID string) string {
	return relayChannelPrefix + documentID
}

func (r *RedisRelay) Publish(ctx context.Context, documentID string, event Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal relay data: %w", err)
	}
	payload, err := json.Marshal(relayMessage{Node: r.nodeID, DocumentID: documentID, Type: event.Type, Data: data})
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	if err := r.client.Publish(ctx, relayChannel(documentID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", relayChannel(documentID), err)
	}
	return nil
}

// Run delivers events published by other processes until ctx is done.
// ready, if not nil, is closed once the subscription is active.
func (r *RedisRelay) Run(ctx context.Context, deliver func(documentID string, event Event), ready chan<- struct{}) error {
	sub := r.client.PSubscribe(ctx, relayChannelPrefix+"*")
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	logger := logging.From(ctx)
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var relayed relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &relayed); err != nil {
				logger.Warnf("relay: malformed message on %s: %v", msg.Channel, err)
				continue
			}
			if relayed.Node == r.nodeID {
				continue
			}
			documentID := relayed.DocumentID
			if documentID == "" {
				documentID = strings.TrimPrefix(msg.Channel, relayChannelPrefix)
			}
			deliver(documentID, Event{Type: relayed.Type, Data: relayed.Data})
		}
	}
}
