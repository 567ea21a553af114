package config

import (
	"context"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultRedisAddress = "localhost:6379"

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// GetRedisDB is the mandate cache client.
func GetRedisDB() *redis.Client {
	return rdb
}

// GetRedisLock guards the one-run-at-a-time rule.
func GetRedisLock() *redislock.Client {
	return locker
}

func redisOptions() *redis.Options {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		addr = defaultRedisAddress
	}
	return &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       intFromEnv("REDIS_DB", 0),
		PoolSize: intFromEnv("REDIS_POOL_SIZE", 10),
	}
}

// ConnectRedisWithRetry pings until redis answers or ctx ends.
func ConnectRedisWithRetry(ctx context.Context) {
	opts := redisOptions()
	log := GetLogger().WithFields(logrus.Fields{"module": "Config", "addr": opts.Addr})

	for attempt := 1; ; attempt++ {
		client := redis.NewClient(opts)
		err := client.Ping(ctx).Err()
		if err == nil {
			rdb = client
			locker = redislock.New(client)
			log.WithField("attempt", attempt).Info("connected to redis")
			return
		}
		_ = client.Close()
		wait := backoff(attempt)
		log.WithFields(logrus.Fields{"attempt": attempt, "retry_in": wait.String()}).WithError(err).Warn("redis not reachable")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
