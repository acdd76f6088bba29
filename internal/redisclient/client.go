// Copyright 2025 James Ross
package redisclient

import (
	"runtime"

	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/config"
)

// New returns a configured go-redis v9 client sized for the idempotency
// guard's modest read/write volume (one SET NX / DEL per delivery
// attempt), pooled the way the teacher pools its work-queue client.
func New(cfg config.Idempotency) *redis.Client {
	poolSize := 4 * runtime.NumCPU()
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})
}
