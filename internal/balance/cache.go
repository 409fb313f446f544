// Package balance implements the cross-process shared balance protocol: a
// single-flight cache over a shared key-value store so that every process
// holding the same exchange credential does not burn the venue's rate limit on
// redundant balance fetches.
package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/perpgate/perpgate/internal/model"
	"github.com/perpgate/perpgate/internal/pkg/metrics"
)

// Role decides who may fetch directly from the exchange.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
	RoleAuto     Role = "auto"
)

// ErrUnavailable means the role's contract forbids a direct fetch and no
// usable cached value exists. Followers and lock-losing auto processes fail
// with this rather than bypass the rate-limit-sharing contract.
var ErrUnavailable = errors.New("shared balance cache unavailable")

// KV is the minimal shared-store surface the protocol needs. CompareAndDelete
// must be atomic: delete the key only while it still holds token.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
}

// Config tunes freshness, staleness tolerance and lock lifetime.
type Config struct {
	Role         Role
	TTL          time.Duration
	StaleMax     time.Duration
	LockTTL      time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
	KeyPrefix    string

	// Strict disables the auto role's last-resort return of an arbitrarily
	// stale record during extended store outages.
	Strict bool
}

func (c *Config) withDefaults() {
	if c.Role == "" {
		c.Role = RoleAuto
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Second
	}
	if c.StaleMax <= 0 {
		c.StaleMax = max(3*c.TTL, 15*time.Second)
	}
	if c.LockTTL <= 0 {
		c.LockTTL = max(2*c.TTL, 8*time.Second)
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
}

// record is the wire shape stored under the balance key. Age is always derived
// from CachedAt, never persisted.
type record struct {
	Balances model.Balance `json:"balance"`
	CachedAt int64         `json:"cachedAt"`
}

func (r *record) age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.CachedAt))
}

// FetchFunc performs the direct exchange balance fetch. The cache calls it
// only when the role contract permits.
type FetchFunc func(ctx context.Context) (model.Balance, error)

// Cache coordinates balance fetches for one exchange credential across
// processes. The zero-value local record is a best-effort in-process front and
// never trusted beyond its own TTL.
type Cache struct {
	cfg      Config
	exchange string
	kv       KV
	fetch    FetchFunc
	now      func() time.Time
	log      *slog.Logger

	mu    sync.Mutex
	local *record
}

func New(exchange string, kv KV, fetch FetchFunc, cfg Config, log *slog.Logger) *Cache {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		cfg:      cfg,
		exchange: exchange,
		kv:       kv,
		fetch:    fetch,
		now:      time.Now,
		log:      log.With("exchange", exchange, "role", string(cfg.Role)),
	}
}

func (c *Cache) balanceKey() string {
	return fmt.Sprintf("%sbalance:shared:%s", c.cfg.KeyPrefix, c.exchange)
}

func (c *Cache) lockKey() string {
	return fmt.Sprintf("%slock:balance:%s", c.cfg.KeyPrefix, c.exchange)
}

// Get runs the role-based decision tree and returns a balance snapshot.
func (c *Cache) Get(ctx context.Context) (model.Balance, error) {
	switch c.cfg.Role {
	case RoleLeader:
		// The leader is the sole designated writer and always fetches,
		// cache state notwithstanding.
		return c.fetchAndPublish(ctx)
	case RoleFollower:
		return c.getFollower(ctx)
	default:
		return c.getAuto(ctx)
	}
}

func (c *Cache) getFollower(ctx context.Context) (model.Balance, error) {
	if rec := c.freshRecord(ctx); rec != nil {
		c.observe("fresh")
		return rec.Balances, nil
	}
	if rec, ok := c.readRecord(ctx); ok && rec.age(c.now()) <= c.cfg.StaleMax {
		c.observe("stale")
		return rec.Balances, nil
	}
	if rec := c.waitForFresh(ctx); rec != nil {
		c.observe("wait")
		return rec.Balances, nil
	}
	c.observe("unavailable")
	return nil, fmt.Errorf("%w: follower has no usable record for %s", ErrUnavailable, c.exchange)
}

func (c *Cache) getAuto(ctx context.Context) (model.Balance, error) {
	if rec := c.freshRecord(ctx); rec != nil {
		c.observe("fresh")
		return rec.Balances, nil
	}

	if token, ok := c.acquireLock(ctx); ok {
		return c.fetchLocked(ctx, token)
	}

	if rec, ok := c.readRecord(ctx); ok && rec.age(c.now()) <= c.cfg.StaleMax {
		c.observe("stale")
		return rec.Balances, nil
	}
	if rec := c.waitForFresh(ctx); rec != nil {
		c.observe("wait")
		return rec.Balances, nil
	}

	// The writer may have crashed and let its lock expire; try once more.
	if token, ok := c.acquireLock(ctx); ok {
		return c.fetchLocked(ctx, token)
	}

	if !c.cfg.Strict {
		if rec, ok := c.readRecord(ctx); ok {
			c.log.Warn("returning stale shared balance beyond tolerance",
				"age", rec.age(c.now()).String())
			c.observe("fallback")
			return rec.Balances, nil
		}
	}

	c.observe("unavailable")
	return nil, fmt.Errorf("%w: no cached record for %s and lock not acquired", ErrUnavailable, c.exchange)
}

// fetchLocked performs the direct fetch while holding the lock, publishing the
// result before the guaranteed release.
func (c *Cache) fetchLocked(ctx context.Context, token string) (model.Balance, error) {
	defer c.releaseLock(ctx, token)
	return c.fetchAndPublish(ctx)
}

func (c *Cache) fetchAndPublish(ctx context.Context) (model.Balance, error) {
	balances, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.observe("direct")
	rec := &record{Balances: balances, CachedAt: c.now().UnixMilli()}
	c.storeLocal(rec)
	if err := c.publish(ctx, rec); err != nil {
		// A publish failure only costs other processes a cache miss.
		c.log.Warn("failed to publish shared balance", "error", err)
	}
	return balances, nil
}

func (c *Cache) publish(ctx context.Context, rec *record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.kv.SetEX(ctx, c.balanceKey(), string(payload), c.cfg.StaleMax)
}

// freshRecord consults the local front first, then the store, returning a
// record no older than TTL.
func (c *Cache) freshRecord(ctx context.Context) *record {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()
	if local != nil && local.age(c.now()) <= c.cfg.TTL {
		return local
	}
	if rec, ok := c.readRecord(ctx); ok && rec.age(c.now()) <= c.cfg.TTL {
		c.storeLocal(rec)
		return rec
	}
	return nil
}

func (c *Cache) readRecord(ctx context.Context) (*record, bool) {
	raw, found, err := c.kv.Get(ctx, c.balanceKey())
	if err != nil || !found {
		return nil, false
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (c *Cache) storeLocal(rec *record) {
	c.mu.Lock()
	c.local = rec
	c.mu.Unlock()
}

// waitForFresh polls the store for a fresh write by another process, up to
// WaitTimeout.
func (c *Cache) waitForFresh(ctx context.Context) *record {
	deadline := c.now().Add(c.cfg.WaitTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if rec, ok := c.readRecord(ctx); ok && rec.age(c.now()) <= c.cfg.TTL {
			c.storeLocal(rec)
			return rec
		}
		if c.now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// acquireLock takes the cross-process lock with SET NX PX. The uuid token
// proves ownership at release time.
func (c *Cache) acquireLock(ctx context.Context) (string, bool) {
	token := fmt.Sprintf("%d-%s", c.now().UnixNano(), uuid.NewString())
	ok, err := c.kv.SetNX(ctx, c.lockKey(), token, c.cfg.LockTTL)
	if err != nil {
		c.log.Warn("lock acquisition failed", "error", err)
		metrics.BalanceLocks.WithLabelValues(c.exchange, "error").Inc()
		return "", false
	}
	if !ok {
		metrics.BalanceLocks.WithLabelValues(c.exchange, "contended").Inc()
		return "", false
	}
	metrics.BalanceLocks.WithLabelValues(c.exchange, "acquired").Inc()
	return token, true
}

// releaseLock is best-effort: compare-token-then-delete so a process never
// frees a lock it lost to TTL expiry, and failures are swallowed because the
// TTL bounds the blast radius anyway.
func (c *Cache) releaseLock(ctx context.Context, token string) {
	if _, err := c.kv.CompareAndDelete(ctx, c.lockKey(), token); err != nil {
		c.log.Warn("lock release failed", "error", err)
	}
}

func (c *Cache) observe(outcome string) {
	metrics.BalanceCacheResults.WithLabelValues(c.exchange, outcome).Inc()
}
