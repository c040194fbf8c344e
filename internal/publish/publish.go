// Package publish fans finalized transcript lines out to live subscribers
// over Redis pub/sub. Delivery is fire-and-forget; nothing is stored.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/duboc/mic-transcriber/internal/reconcile"
)

// Config configures the Redis publisher.
type Config struct {
	Address string
	Channel string
}

// Publisher pushes finalized lines to a Redis channel.
type Publisher struct {
	client  *redis.Client
	channel string
	session string
}

type message struct {
	Session   string `json:"session"`
	ChunkID   uint64 `json:"chunk_id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, config Config, sessionID string) (*Publisher, error) {
	if config.Channel == "" {
		config.Channel = "transcripts"
	}

	client := redis.NewClient(&redis.Options{Addr: config.Address})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Address, err)
	}

	return &Publisher{client: client, channel: config.Channel, session: sessionID}, nil
}

// PublishFinal sends one finalized line. Publish failures are logged, never
// fatal: the console display is the primary output.
func (p *Publisher) PublishFinal(ctx context.Context, line reconcile.Line) {
	payload, err := json.Marshal(message{
		Session:   p.session,
		ChunkID:   line.ChunkID,
		Text:      line.Text,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("Failed to marshal transcript message: %v", err)
		return
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		log.Printf("Failed to publish transcript line: %v", err)
	}
}

// Close releases the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
