package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinic/booking/internal/platform/db"
)

// kv is the slice of the redis client the cache needs.
type kv interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// setIfNewer stores ARGV[2] unless the entry already there carries a version
// at or above ARGV[1]. ARGV[3] is the TTL in milliseconds, 0 for none.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, entry = pcall(cjson.decode, cur)
  if ok and type(entry) == 'table' and tonumber(entry.version) and tonumber(entry.version) >= tonumber(ARGV[1]) then
    return 0
  end
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// tombstoneVersion outranks any version a live window can reach, so no late
// write can resurrect a deleted window's entry.
const tombstoneVersion = math.MaxInt64

// entry is the stored value. Version is the window's version_id when Keys
// was read.
type entry struct {
	Version int64    `json:"version"`
	Keys    []string `json:"keys"`
	Deleted bool     `json:"deleted,omitempty"`
}

// OpenSlots caches the open-slot list of each window per tenant. Writers
// store the list they committed and readers store the list they loaded, both
// tagged with the window version; an entry is only ever replaced by a newer
// version, so a slow reader cannot put back a list a booking already changed.
type OpenSlots struct {
	rdb    kv
	ttl    time.Duration
	logger zerolog.Logger
}

func NewOpenSlots(rdb kv, ttl time.Duration, logger zerolog.Logger) *OpenSlots {
	return &OpenSlots{rdb: rdb, ttl: ttl, logger: logger.With().Str("component", "open_slots_cache").Logger()}
}

// Key is the redis key for a window in the tenant carried by ctx.
func Key(ctx context.Context, windowID uuid.UUID) string {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		tenant = "_"
	}
	return fmt.Sprintf("open_slots:%s:%s", tenant, windowID)
}

// Get returns the cached open keys; ok is false on a miss.
func (c *OpenSlots) Get(ctx context.Context, windowID uuid.UUID) ([]string, bool, error) {
	raw, err := c.rdb.Get(ctx, Key(ctx, windowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read open slots: %w", err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn().Err(err).Str("window_id", windowID.String()).Msg("discarding corrupt cache entry")
		return nil, false, nil
	}
	if e.Deleted {
		return nil, false, nil
	}
	if e.Keys == nil {
		e.Keys = []string{}
	}
	return e.Keys, true, nil
}

// Set stores keys as the open list of the window at version. It is a no-op
// when the cache already holds the same or a later version.
func (c *OpenSlots) Set(ctx context.Context, windowID uuid.UUID, version int64, keys []string) error {
	if keys == nil {
		keys = []string{}
	}
	raw, err := json.Marshal(entry{Version: version, Keys: keys})
	if err != nil {
		return err
	}
	stored, err := setIfNewer.Run(ctx, c.rdb, []string{Key(ctx, windowID)}, version, raw, c.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("write open slots: %w", err)
	}
	if stored == 0 {
		c.logger.Debug().Str("window_id", windowID.String()).Int64("version", version).Msg("newer open slot entry already cached")
	}
	return nil
}

// Invalidate marks the window as gone. The marker outranks every version, so
// it also fences off readers that loaded the window before it was deleted.
func (c *OpenSlots) Invalidate(ctx context.Context, windowID uuid.UUID) error {
	raw, err := json.Marshal(entry{Version: tombstoneVersion, Keys: []string{}, Deleted: true})
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, Key(ctx, windowID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("invalidate open slots: %w", err)
	}
	return nil
}
