package push

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"github.com/amicus-app/courtroom/pkg/logger"
)

// RedisPublisher mirrors events onto Redis pub/sub so an external realtime
// gateway can fan them out to clients connected elsewhere.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

// NewRedisPublisher creates a publisher on the given channel prefix. Events
// are published to "<prefix>.<coupleId>".
func NewRedisPublisher(client *redis.Client, channelPrefix string, log *logger.Logger) *RedisPublisher {
	if channelPrefix == "" {
		channelPrefix = "courtroom.events"
	}
	if log == nil {
		log = logger.NewDefault("push")
	}
	return &RedisPublisher{client: client, channel: channelPrefix, log: log}
}

// Publish serializes the event onto the couple's channel.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel+"."+event.CoupleID, payload).Err(); err != nil {
		p.log.WithField("couple_id", event.CoupleID).WithError(err).
			Warn("redis publish failed")
		return err
	}
	return nil
}

// Close releases the underlying connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
