package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"ctfbot/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// CatalogLoader fetches templates from a backing store (e.g., Postgres).
type CatalogLoader interface {
	LoadContest(ctx context.Context, name string) (domain.ContestTemplate, error)
	LoadChallenge(ctx context.Context, id string) (domain.ChallengeTemplate, error)
}

// Catalog caches templates in Redis as JSON and falls back to a loader on cache miss.
// Contests are stored as:   SET ctf:catalog:contest:{name}   {json}
// Challenges are stored as: SET ctf:catalog:challenge:{id}   {json}
type Catalog struct {
	client *redis.Client
	loader CatalogLoader
	ttl    time.Duration
	sf     singleflight.Group
	rndMu  sync.Mutex
	rnd    *rand.Rand
}

func NewCatalog(client *redis.Client, loader CatalogLoader, ttl time.Duration) *Catalog {
	return &Catalog{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Catalog) GetContest(ctx context.Context, name string) (domain.ContestTemplate, error) {
	var contest domain.ContestTemplate
	err := c.get(ctx, contestKey(name), &contest, func() (any, error) {
		return c.loader.LoadContest(ctx, name)
	})
	return contest, err
}

func (c *Catalog) GetChallenge(ctx context.Context, id string) (domain.ChallengeTemplate, error) {
	var challenge domain.ChallengeTemplate
	err := c.get(ctx, challengeKey(id), &challenge, func() (any, error) {
		return c.loader.LoadChallenge(ctx, id)
	})
	return challenge, err
}

// Forget drops cached templates so the next read goes to the loader.
func (c *Catalog) Forget(ctx context.Context, contestNames, challengeIDs []string) error {
	keys := make([]string, 0, len(contestNames)+len(challengeIDs))
	for _, name := range contestNames {
		keys = append(keys, contestKey(name))
	}
	for _, id := range challengeIDs {
		keys = append(keys, challengeKey(id))
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *Catalog) get(ctx context.Context, key string, dst any, load func() (any, error)) error {
	if c.fromCache(ctx, key, dst) {
		return nil
	}

	raw, err, _ := c.sf.Do(key, func() (any, error) {
		// Re-check cache in case another goroutine filled it.
		data, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return data, nil
		}

		value, err := load()
		if err != nil {
			return nil, err
		}
		data, err = json.Marshal(value)
		if err != nil {
			return nil, err
		}
		// best-effort fill; a failed write only costs another load
		_ = c.client.Set(ctx, key, data, c.ttlWithJitter()).Err()
		return data, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw.([]byte), dst)
}

// fromCache reports a hit. Misses and cache errors both fall through to the loader.
func (c *Catalog) fromCache(ctx context.Context, key string, dst any) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (c *Catalog) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

func contestKey(name string) string {
	return "ctf:catalog:contest:" + name
}

func challengeKey(id string) string {
	return "ctf:catalog:challenge:" + id
}
