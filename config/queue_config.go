package config

import (
	"fmt"
	"time"

	"github.com/lovelumine/rnaqueue"
)

// QueueConfig tunes one kind's dispatcher. Zero values inherit from
// queues.defaults.
type QueueConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    *int          `yaml:"maxRetries"`
	RetryStrategy string        `yaml:"retryStrategy"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	RetryJitter   time.Duration `yaml:"retryJitter"`
	LockTTL       time.Duration `yaml:"lockTTL"`
	Timeout       time.Duration `yaml:"timeout"`
}

type QueuesConfig struct {
	Defaults QueueConfig            `yaml:"defaults"`
	Kinds    map[string]QueueConfig `yaml:"kinds"`
}

func (q QueueConfig) merge(other QueueConfig) QueueConfig {
	if other.Concurrency != 0 {
		q.Concurrency = other.Concurrency
	}
	if other.MaxRetries != nil {
		v := *other.MaxRetries
		q.MaxRetries = &v
	}
	if other.RetryStrategy != "" {
		q.RetryStrategy = other.RetryStrategy
	}
	if other.RetryDelay != 0 {
		q.RetryDelay = other.RetryDelay
	}
	if other.RetryJitter != 0 {
		q.RetryJitter = other.RetryJitter
	}
	if other.LockTTL != 0 {
		q.LockTTL = other.LockTTL
	}
	if other.Timeout != 0 {
		q.Timeout = other.Timeout
	}
	return q
}

func (q QueueConfig) validate(name string) error {
	if q.Concurrency < 0 {
		return fmt.Errorf("queues.%s.concurrency must not be negative", name)
	}
	if q.MaxRetries != nil && *q.MaxRetries < 0 {
		return fmt.Errorf("queues.%s.maxRetries must not be negative", name)
	}
	strategy, ok := rnaqueue.ParseRetryStrategy(q.RetryStrategy)
	if !ok {
		return fmt.Errorf("queues.%s.retryStrategy %q is not linear or exponential", name, q.RetryStrategy)
	}
	if strategy == rnaqueue.Custom {
		return fmt.Errorf("queues.%s.retryStrategy custom needs a retry function and cannot be set from config", name)
	}
	if q.RetryDelay < 0 || q.RetryJitter < 0 || q.LockTTL < 0 || q.Timeout < 0 {
		return fmt.Errorf("queues.%s durations must not be negative", name)
	}
	return nil
}

// Queue returns the settings for kind with the defaults filled in.
func (c *Config) Queue(kind rnaqueue.Kind) QueueConfig {
	q := c.Queues.Defaults
	if override, ok := c.Queues.Kinds[string(kind)]; ok {
		q = q.merge(override)
	}
	return q
}

// Apply copies the queue settings onto a task definition.
func Apply[P any](q QueueConfig, def rnaqueue.TaskDefinition[P]) rnaqueue.TaskDefinition[P] {
	def.Concurrency = q.Concurrency
	def.MaxRetries = rnaqueue.DefaultMaxRetries
	if q.MaxRetries != nil {
		def.MaxRetries = *q.MaxRetries
	}
	def.RetryStrategy, _ = rnaqueue.ParseRetryStrategy(q.RetryStrategy)
	def.RetryDelay = q.RetryDelay
	def.RetryJitter = q.RetryJitter
	def.LockTTL = q.LockTTL
	def.Timeout = q.Timeout
	return def
}
