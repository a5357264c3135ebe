package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Bridge relays committed event frames between service instances over a
// Redis channel. Each instance delivers to its own live sessions; the
// bridge carries the frame and target rooms, never session state.
type Bridge struct {
	rc      *redis.Client
	channel string
	origin  string
	logger  *log.Logger
}

type wireEvent struct {
	Origin string          `json:"origin"`
	Rooms  []string        `json:"rooms"`
	Frame  json.RawMessage `json:"frame"`
}

// NewBridge creates a bridge publishing on the given channel.
func NewBridge(rc *redis.Client, channel string, logger *log.Logger) *Bridge {
	return &Bridge{rc: rc, channel: channel, origin: uuid.NewString(), logger: logger}
}

// Publish relays a frame and its target rooms to the other instances.
func (b *Bridge) Publish(ctx context.Context, frame []byte, rooms []string) error {
	data, err := json.Marshal(wireEvent{Origin: b.origin, Rooms: rooms, Frame: frame})
	if err != nil {
		return err
	}
	return b.rc.Publish(ctx, b.channel, data).Err()
}

// Run subscribes to the bridge channel and delivers relayed frames to the
// local sessions until ctx is cancelled. Messages published by this
// instance are skipped; its sessions already received them directly.
func (b *Bridge) Run(ctx context.Context, local Deliverer) {
	for {
		sub := b.rc.Subscribe(ctx, b.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Errorf("unable to parse bridge event: %v", err)
					continue
				}
				if ev.Origin == b.origin {
					continue
				}
				local.Deliver(ev.Frame, ev.Rooms...)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("bridge pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
