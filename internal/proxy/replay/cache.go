package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

// coalesceTTL bounds how long an identical rapid-fire repeat can reuse a
// cached replay result. Short enough that it never masks a deliberate
// second replay against a target whose state has since changed.
const coalesceTTL = 2 * time.Second

// resultCache coalesces truly identical, rapid-fire repeats of the same
// raw request into a single upstream call. Disabled (a nil *resultCache,
// on which get, set and close are no-ops) unless Config.CacheAddr names
// a reachable Redis address.
type resultCache struct {
	client *redis.Client
}

// newResultCache returns nil, nil when addr is empty: the cache is an
// explicit opt-in, never a default.
func newResultCache(addr string) (*resultCache, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("replay: cache unreachable at %s: %w", addr, err)
	}
	return &resultCache{client: client}, nil
}

// cacheKey hashes the full replayed request (method, URL, headers, body)
// into a single coalescing key.
func cacheKey(p *parsedRequest) string {
	h := xxhash.New()
	_, _ = h.WriteString(p.Method)
	_, _ = h.WriteString(p.URL)
	names := make([]string, 0, len(p.Header))
	for name := range p.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = h.WriteString(name)
		for _, v := range p.Header[name] {
			_, _ = h.WriteString(v)
		}
	}
	_, _ = h.Write(p.Body)
	return "replay:coalesce:" + strconv.FormatUint(h.Sum64(), 16)
}

func (c *resultCache) get(ctx context.Context, key string) (*replayResult, bool) {
	if c == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) || err != nil {
		return nil, false
	}
	result, err := decodeReplayResult(data)
	if err != nil {
		return nil, false
	}
	return result, true
}

func (c *resultCache) set(ctx context.Context, key string, result *replayResult) {
	if c == nil {
		return
	}
	data, err := encodeReplayResult(result)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, key, data, coalesceTTL).Err()
}

func (c *resultCache) close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
