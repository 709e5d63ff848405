package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Decision is the verdict of a Store for one request.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Store counts requests per key over a sliding window.
type Store interface {
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
	// KeyFunc extracts the limiter key. Defaults to the client IP.
	KeyFunc func(*http.Request) string
	// Store defaults to an in-memory store local to this process.
	Store Store
}

// RateLimit enforces cfg.Max requests per cfg.Window per key. Rejected
// requests get 429 and a Retry-After header. When the store fails the
// request is let through.
func RateLimit(cfg RateLimitConfig) Middleware {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = clientIP
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	limit := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			d, err := cfg.Store.Take(r.Context(), cfg.KeyFunc(r), cfg.Max, cfg.Window, now)
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retry := max(d.ResetAt.Sub(now), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
				writeEnvelope(w, http.StatusTooManyRequests, "rate_limited", "rate_limit", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// window tracks two adjacent fixed windows; the previous one is weighted by
// its overlap with the sliding window.
type window struct {
	prevCount float64
	currCount float64
	currStart time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key string, limit int, size time.Duration, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	win, ok := s.windows[key]
	if !ok {
		win = &window{currStart: now.Truncate(size)}
		s.windows[key] = win
	}
	if elapsed := now.Sub(win.currStart); elapsed >= size {
		if elapsed >= 2*size {
			win.prevCount = 0
		} else {
			win.prevCount = win.currCount
		}
		win.currCount = 0
		win.currStart = now.Truncate(size)
	}

	overlap := max(1-now.Sub(win.currStart).Seconds()/size.Seconds(), 0)
	count := win.prevCount*overlap + win.currCount
	d := Decision{ResetAt: win.currStart.Add(size)}
	if count >= float64(limit) {
		return d, nil
	}
	win.currCount++
	d.Allowed = true
	d.Remaining = max(int(float64(limit)-count-1), 0)
	return d, nil
}

// Cleanup evicts idle keys every interval until ctx is done.
func (s *MemoryStore) Cleanup(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.evict(now, idle)
		}
	}
}

func (s *MemoryStore) evict(now time.Time, idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, win := range s.windows {
		if now.Sub(win.currStart) >= idle {
			delete(s.windows, key)
		}
	}
}

// slidingWindowScript keeps one sorted-set member per accepted request.
// It returns the count including this request, or -1 when over the limit.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return -1
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return count + 1
`

// Evaler runs Lua scripts. *redis.Client and *redis.ClusterClient satisfy it.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisStore is a Store shared by every replica through Redis.
type RedisStore struct {
	rdb    Evaler
	prefix string
}

// NewRedisStore creates a RedisStore. Keys are stored as prefix + key.
func NewRedisStore(rdb Evaler, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, limit int, size time.Duration, now time.Time) (Decision, error) {
	nowMs := now.UnixMilli()
	n, err := s.rdb.Eval(ctx, slidingWindowScript, []string{s.prefix + key},
		nowMs, size.Milliseconds(), limit, strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString(),
	).Int()
	if err != nil {
		return Decision{}, errors.Wrap(err, "eval rate limit script")
	}

	d := Decision{ResetAt: now.Add(size)}
	if n < 0 {
		return d, nil
	}
	d.Allowed = true
	d.Remaining = max(limit-n, 0)
	return d, nil
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
