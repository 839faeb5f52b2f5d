package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shashiranjanraj/courier/config"
	"github.com/shashiranjanraj/courier/pkg/backoff"
	"github.com/shashiranjanraj/courier/pkg/channel"
	"github.com/shashiranjanraj/courier/pkg/delivery"
	"github.com/shashiranjanraj/courier/pkg/jobstore"
	"github.com/shashiranjanraj/courier/pkg/logger"
)

// newStore builds the configured job store. The redis driver pings before
// use so misconfiguration fails at boot, not at the first reservation.
func newStore() (jobstore.Store, error) {
	if config.QueueDriver() == "memory" {
		logger.Warn("using in-memory job store; jobs will not survive a restart")
		return jobstore.NewMemoryStore(backoff.MainQueue, backoff.DeadLetterQueue), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr(),
		Password: config.RedisPassword(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", config.RedisAddr(), err)
	}

	return jobstore.NewRedisStore(rdb, backoff.MainQueue, backoff.DeadLetterQueue), nil
}

func newService() (*delivery.Service, error) {
	store, err := newStore()
	if err != nil {
		return nil, err
	}
	return delivery.NewService(store), nil
}

// newRegistry wires the production channel handlers. Internal routines are
// registered by the embedding application; the stock binary ships none.
func newRegistry() *channel.Registry {
	return channel.NewDefaultRegistry(channel.NewInternalHandler())
}
