package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"imagegen-payment-api/models"
	"imagegen-payment-api/utils"
)

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	Message  string
}

var defaultConfigs = map[string]RateLimitConfig{
	"/api/payments/charge": {
		Requests: 5,
		Window:   10 * time.Minute,
		Message:  "Too many payment attempts. Please wait a few minutes.",
	},
	"/api/payments/3ds/resume": {
		Requests: 10,
		Window:   10 * time.Minute,
		Message:  "Too many confirmation attempts. Please wait a few minutes.",
	},
	"/payments/3ds/capture": {
		Requests: 30,
		Window:   time.Minute,
		Message:  "Too many requests.",
	},
	"default": {
		Requests: 60,
		Window:   time.Minute,
		Message:  "Rate limit exceeded. Please slow down your requests.",
	},
}

// rateLimitScript counts requests in the current fixed window atomically.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = ARGV[3]
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, 0, window_start - 1)
local current = redis.call('ZCARD', key)
if current < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, ttl)
    return {1, limit - current - 1}
end
return {0, 0}
`)

type RateLimiter struct {
	client  *redis.Client
	configs map[string]RateLimitConfig
	trusted []netip.Prefix
	logger  *zap.Logger
	now     func() time.Time
}

// NewRateLimiter limits by token or client IP. Forwarding headers are only
// read from trustedProxies, given as IPs or CIDRs. Invalid entries are
// skipped.
func NewRateLimiter(client *redis.Client, trustedProxies []string, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	trusted, err := ParseTrustedProxies(trustedProxies)
	if err != nil {
		logger.Warn("ignoring invalid trusted proxy entries", zap.Error(err))
	}
	return &RateLimiter{client: client, configs: defaultConfigs, trusted: trusted, logger: logger, now: time.Now}
}

// Middleware limits by endpoint. Redis errors let the request through.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			config := rl.configFor(r.URL.Path)
			key := rl.keyFor(r)

			allowed, remaining, resetTime, err := rl.check(r.Context(), key, config)
			if err != nil {
				rl.logger.Warn("rate limit check failed", zap.String("path", r.URL.Path), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.Requests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

			if !allowed {
				rl.logger.Info("rate limit exceeded", zap.String("key", key), zap.String("path", r.URL.Path))
				w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(resetTime).Seconds())+1, 10))
				utils.SendJSON(w, http.StatusTooManyRequests, models.APIResponse{
					Status:  "error",
					Message: config.Message,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) configFor(path string) RateLimitConfig {
	if config, ok := rl.configs[path]; ok {
		return config
	}
	return rl.configs["default"]
}

// keyFor scopes authenticated API calls by token and everything else by
// client IP. Tokens are hashed before they reach Redis.
func (rl *RateLimiter) keyFor(r *http.Request) string {
	endpoint := r.URL.Path
	if strings.HasPrefix(endpoint, "/api/") {
		if token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")); len(token) > 20 {
			sum := sha256.Sum256([]byte(token))
			return fmt.Sprintf("rate_limit:user:%s:%s", hex.EncodeToString(sum[:8]), endpoint)
		}
	}
	return fmt.Sprintf("rate_limit:ip:%s:%s", ClientIP(r, rl.trusted), endpoint)
}

func (rl *RateLimiter) check(ctx context.Context, key string, config RateLimitConfig) (bool, int, time.Time, error) {
	now := rl.now()
	windowStart := now.Truncate(config.Window)
	windowEnd := windowStart.Add(config.Window)

	result, err := rateLimitScript.Run(ctx, rl.client, []string{key},
		windowStart.UnixNano(), config.Requests, now.UnixNano(), strconv.FormatInt(now.UnixNano(), 10),
		int(config.Window.Seconds())+1,
	).Result()
	if err != nil {
		return false, 0, time.Time{}, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, time.Time{}, errors.New("unexpected redis result format")
	}
	allowed, ok1 := values[0].(int64)
	remaining, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, time.Time{}, errors.New("failed to parse redis result")
	}

	return allowed == 1, int(remaining), windowEnd, nil
}

// ParseTrustedProxies turns IPs and CIDRs into prefixes. Valid entries are
// returned even when others fail to parse.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	var (
		prefixes []netip.Prefix
		errs     []error
	)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				errs = append(errs, fmt.Errorf("trusted proxy %q: %w", entry, err))
				continue
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("trusted proxy %q: %w", entry, err))
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, errors.Join(errs...)
}

// ClientIP returns the peer address. Forwarding headers are honored only
// when the peer is a trusted proxy; X-Forwarded-For is walked from the
// right and the first untrusted hop wins.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !isTrusted(host, trusted) {
		return host
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if _, err := netip.ParseAddr(hop); err != nil {
				break
			}
			if !isTrusted(hop, trusted) {
				return hop
			}
		}
	}
	for _, header := range []string{"X-Real-IP", "CF-Connecting-IP"} {
		if ip := strings.TrimSpace(r.Header.Get(header)); ip != "" {
			if _, err := netip.ParseAddr(ip); err == nil {
				return ip
			}
		}
	}
	return host
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// SecurityHeadersMiddleware sets the hardening headers for JSON endpoints.
// The HTML pages set their own CSP.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Content-Security-Policy", "default-src 'none'")
			w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
			w.Header().Set("Pragma", "no-cache")
			w.Header().Set("Expires", "0")
		}

		next.ServeHTTP(w, r)
	})
}
