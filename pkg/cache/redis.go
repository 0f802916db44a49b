package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/eca-allocation-api/pkg/config"
)

const keyPrefix = "eca"

// NewRedis returns a configured Redis client. A disabled configuration yields a nil client,
// which the cache repository treats as a permanent miss.
func NewRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

// PreviewKey identifies a cached allocation preview for a term and run options.
func PreviewKey(termID, mode string, cancelBelowMinimum bool) string {
	return fmt.Sprintf("%s:preview:%s:%s:%t", keyPrefix, termID, mode, cancelBelowMinimum)
}

// StudentAllocationsKey identifies the cached allocation view of one student.
func StudentAllocationsKey(termID, studentID string) string {
	return fmt.Sprintf("%s:allocations:%s:%s", keyPrefix, termID, studentID)
}

// TermPatterns returns every key pattern owned by a term.
func TermPatterns(termID string) []string {
	return []string{
		fmt.Sprintf("%s:preview:%s:*", keyPrefix, termID),
		fmt.Sprintf("%s:allocations:%s:*", keyPrefix, termID),
	}
}

// PreviewPattern matches all cached previews of a term.
func PreviewPattern(termID string) string {
	return fmt.Sprintf("%s:preview:%s:*", keyPrefix, termID)
}
