package resource

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisVectorProbe checks a Redis-backed VectorStore resource: ping, then
// list search indexes. A server without the search module still counts as
// Healthy when it answers the ping; only connectivity failures mark the
// store Unavailable.
type RedisVectorProbe struct{}

// Check implements Probe. The spec config must carry "addr" and may carry
// "password" and "db".
func (RedisVectorProbe) Check(ctx context.Context, spec Spec) (Status, error) {
	addr, _ := spec.Config["addr"].(string)
	if addr == "" {
		addr = "localhost:6379"
	}
	password, _ := spec.Config["password"].(string)
	db := 0
	if v, ok := spec.Config["db"].(int); ok {
		db = v
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: defaultProbeTimeout,
		ReadTimeout: defaultProbeTimeout,
	})
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return StatusUnavailable, err
	}

	if err := client.Do(ctx, "FT._LIST").Err(); err != nil {
		// Older servers answer "unknown command"; that is a feature gap,
		// not an outage.
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			return StatusHealthy, nil
		}
		return StatusDegraded, err
	}
	return StatusHealthy, nil
}
