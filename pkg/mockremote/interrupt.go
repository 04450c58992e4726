package mockremote

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Interrupter is polled, without blocking, before every remote call.
type Interrupter interface {
	// Pending returns the interrupt message if one has arrived.
	Pending() (string, bool)
}

// NoopInterrupter never interrupts.
type NoopInterrupter struct{}

func (NoopInterrupter) Pending() (string, bool) { return "", false }

// LocalInterrupter is an in-process interrupt flag.
type LocalInterrupter struct {
	mu  sync.Mutex
	msg string
	set bool
}

// Interrupt records msg; later calls keep the first message.
func (l *LocalInterrupter) Interrupt(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		l.msg, l.set = msg, true
	}
}

func (l *LocalInterrupter) Pending() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.msg, l.set
}

// InterruptChannel names the pub/sub channel for one job on one host.
func InterruptChannel(host, jobID string) string {
	return fmt.Sprintf("interrupt-builder:%s:%s", host, jobID)
}

// RedisInterrupter listens for interrupt messages on a Redis channel.
type RedisInterrupter struct {
	pubsub *redis.PubSub
	msgs   <-chan *redis.Message
	local  LocalInterrupter
}

// NewRedisInterrupter subscribes to the job's channel and waits for the
// subscription to be confirmed, so no message published afterwards is lost.
func NewRedisInterrupter(ctx context.Context, client *redis.Client, host, jobID string) (*RedisInterrupter, error) {
	pubsub := client.Subscribe(ctx, InterruptChannel(host, jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe interrupt channel: %w", err)
	}
	return &RedisInterrupter{pubsub: pubsub, msgs: pubsub.Channel()}, nil
}

func (r *RedisInterrupter) Pending() (string, bool) {
	for {
		select {
		case msg, ok := <-r.msgs:
			if !ok {
				return r.local.Pending()
			}
			r.local.Interrupt(msg.Payload)
		default:
			return r.local.Pending()
		}
	}
}

// Close drops the subscription.
func (r *RedisInterrupter) Close() error {
	return r.pubsub.Close()
}

// PublishInterrupt asks the builder of jobID on host to stop and reports how
// many subscribers received the request.
func PublishInterrupt(ctx context.Context, client *redis.Client, host, jobID, msg string) (int64, error) {
	n, err := client.Publish(ctx, InterruptChannel(host, jobID), msg).Result()
	if err != nil {
		return 0, fmt.Errorf("publish interrupt: %w", err)
	}
	return n, nil
}
