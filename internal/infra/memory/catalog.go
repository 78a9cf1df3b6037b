package memory

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"ctfbot/internal/domain"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// CatalogLoader fetches templates from a backing store (e.g., Postgres).
type CatalogLoader interface {
	LoadContest(ctx context.Context, name string) (domain.ContestTemplate, error)
	LoadChallenge(ctx context.Context, id string) (domain.ChallengeTemplate, error)
}

// Catalog caches templates with TTL to avoid repeated DB hits.
type Catalog struct {
	loader CatalogLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex

	mu    sync.RWMutex
	cache map[string]cachedTemplate
}

type cachedTemplate struct {
	value     any
	expiresAt time.Time
}

func NewCatalog(loader CatalogLoader, ttl time.Duration) *Catalog {
	return &Catalog{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedTemplate),
	}
}

func (c *Catalog) GetContest(ctx context.Context, name string) (domain.ContestTemplate, error) {
	v, err := c.get("contest:"+name, func() (any, error) {
		return c.loader.LoadContest(ctx, name)
	})
	if err != nil {
		return domain.ContestTemplate{}, err
	}
	return v.(domain.ContestTemplate), nil
}

func (c *Catalog) GetChallenge(ctx context.Context, id string) (domain.ChallengeTemplate, error) {
	v, err := c.get("challenge:"+id, func() (any, error) {
		return c.loader.LoadChallenge(ctx, id)
	})
	if err != nil {
		return domain.ChallengeTemplate{}, err
	}
	return v.(domain.ChallengeTemplate), nil
}

// Invalidate drops every cached template, e.g. after an admin edit.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.cache = make(map[string]cachedTemplate)
	c.mu.Unlock()
}

func (c *Catalog) get(key string, load func() (any, error)) (any, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		// Another caller may have filled the entry while we waited.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := load()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[key] = cachedTemplate{value: v, expiresAt: c.clock().Add(c.ttlWithJitter())}
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

func (c *Catalog) lookup(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[key]
	if !ok || !entry.expiresAt.After(c.clock()) {
		return nil, false
	}
	return entry.value, true
}

func (c *Catalog) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

// StaticCatalogLoader is a loader backed by in-memory maps (tests, demos, seed files).
type StaticCatalogLoader struct {
	contests   map[string]domain.ContestTemplate
	challenges map[string]domain.ChallengeTemplate
}

func NewStaticCatalogLoader(contests []domain.ContestTemplate, challenges []domain.ChallengeTemplate) *StaticCatalogLoader {
	l := &StaticCatalogLoader{
		contests:   make(map[string]domain.ContestTemplate, len(contests)),
		challenges: make(map[string]domain.ChallengeTemplate, len(challenges)),
	}
	for _, contest := range contests {
		l.contests[contest.Name] = contest
	}
	for _, challenge := range challenges {
		l.challenges[challenge.ID] = challenge
	}
	return l
}

func (l *StaticCatalogLoader) LoadContest(_ context.Context, name string) (domain.ContestTemplate, error) {
	if contest, ok := l.contests[name]; ok {
		return contest, nil
	}
	return domain.ContestTemplate{}, domain.ErrContestNotFound
}

func (l *StaticCatalogLoader) LoadChallenge(_ context.Context, id string) (domain.ChallengeTemplate, error) {
	if challenge, ok := l.challenges[id]; ok {
		return challenge, nil
	}
	return domain.ChallengeTemplate{}, domain.ErrChallengeNotFound
}

// catalogFile is the YAML layout of a seed catalog.
type catalogFile struct {
	Challenges []domain.ChallengeTemplate `yaml:"challenges"`
	Contests   []domain.ContestTemplate   `yaml:"contests"`
}

// LoadCatalogFile reads a YAML seed catalog. Every challenge referenced by a
// contest must be defined in the same file.
func LoadCatalogFile(path string) (*StaticCatalogLoader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	loader := NewStaticCatalogLoader(file.Contests, file.Challenges)
	for _, contest := range file.Contests {
		for _, id := range contest.ChallengeIDs {
			if _, ok := loader.challenges[id]; !ok {
				return nil, fmt.Errorf("contest %q references unknown challenge %q", contest.Name, id)
			}
		}
	}
	return loader, nil
}
