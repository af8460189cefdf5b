package directions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"batchnav/internal/model"
)

// RedisCache memoizes pairwise estimates in Redis. Cache failures are
// logged and fall through to the wrapped service.
type RedisCache struct {
	Next   Service
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisCache(next Service, rdb redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCache{Next: next, rdb: rdb, ttl: ttl, prefix: "dir:v1:"}
}

// key rounds to 5 decimals (about 1m) so jittery GPS fixes share entries.
func (c *RedisCache) key(from, to model.GeoPoint) string {
	return fmt.Sprintf("%s%.5f,%.5f:%.5f,%.5f", c.prefix, from.Lat, from.Lng, to.Lat, to.Lng)
}

func (c *RedisCache) Estimate(ctx context.Context, from, to model.GeoPoint) (Estimate, error) {
	k := c.key(from, to)
	raw, err := c.rdb.Get(ctx, k).Bytes()
	switch {
	case err == nil:
		var e Estimate
		if jerr := json.Unmarshal(raw, &e); jerr == nil {
			return e, nil
		}
	case !errors.Is(err, redis.Nil):
		log.Printf("op=directions.cache.get key=%s err=%v", k, err)
	}
	e, err := c.Next.Estimate(ctx, from, to)
	if err != nil {
		return Estimate{}, err
	}
	if b, jerr := json.Marshal(e); jerr == nil {
		if werr := c.rdb.Set(ctx, k, b, c.ttl).Err(); werr != nil {
			log.Printf("op=directions.cache.set key=%s err=%v", k, werr)
		}
	}
	return e, nil
}

func (c *RedisCache) EstimateLegSequence(ctx context.Context, pts []model.GeoPoint) (Estimate, error) {
	return SumLegs(ctx, c, pts)
}
