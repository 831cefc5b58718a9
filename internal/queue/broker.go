package queue

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"rule-engine/internal/config"
	"rule-engine/internal/models"
)

// NewRedisClient builds the shared Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// OptionsFromConfig maps config onto queue options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Priorities: cfg.PriorityQueues,
		Visibility: cfg.VisibilityTimeout,
		BackoffMax: cfg.BackoffMax,
	}
}

// Broker holds the named queues of the engine over one Redis client.
type Broker struct {
	client *redis.Client
	queues map[string]*RedisQueue
}

// NewBroker creates the execute-rule, condition-check and maintenance queues.
func NewBroker(client *redis.Client, opts Options) *Broker {
	b := &Broker{client: client, queues: make(map[string]*RedisQueue)}
	for _, name := range []string{models.QueueExecuteRule, models.QueueConditionCheck, models.QueueMaintenance} {
		b.queues[name] = NewRedisQueue(client, name, opts)
	}
	return b
}

// Client returns the underlying Redis client.
func (b *Broker) Client() *redis.Client { return b.client }

// Queue returns the named queue.
func (b *Broker) Queue(name string) (*RedisQueue, error) {
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("unknown queue %q", name)
	}
	return q, nil
}

// Names lists the queue names in sorted order.
func (b *Broker) Names() []string {
	out := make([]string, 0, len(b.queues))
	for name := range b.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Enqueue adds a job to the named queue.
func (b *Broker) Enqueue(ctx context.Context, queueName, jobName string, data []byte, opts AddOptions) (string, error) {
	q, err := b.Queue(queueName)
	if err != nil {
		return "", err
	}
	return q.Add(ctx, jobName, data, opts)
}

// Ping checks broker connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Counts returns per-queue counts.
func (b *Broker) Counts(ctx context.Context) (map[string]Counts, error) {
	out := make(map[string]Counts, len(b.queues))
	for name, q := range b.queues {
		c, err := q.Counts(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = c
	}
	return out, nil
}
