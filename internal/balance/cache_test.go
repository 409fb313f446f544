package balance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/perpgate/perpgate/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memKV is an in-memory KV with the same atomicity guarantees the Redis
// implementation provides. failGets simulates a store outage on reads.
type memKV struct {
	mu       sync.Mutex
	data     map[string]memEntry
	failGets bool
}

type memEntry struct {
	value   string
	expires time.Time
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]memEntry)}
}

func (m *memKV) get(key string) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok || time.Now().After(e.expires) {
		delete(m.data, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *memKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGets {
		return "", false, errors.New("store unreachable")
	}
	e, ok := m.get(key)
	return e.value, ok, nil
}

func (m *memKV) SetEX(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (m *memKV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.get(key); held {
		return false, nil
	}
	m.data[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
	return true, nil
}

func (m *memKV) CompareAndDelete(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key)
	if !ok || e.value != token {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func usdt(free string) model.Balance {
	f := decimal.RequireFromString(free)
	return model.Balance{"USDT": {Free: f, Total: f}}
}

type countingFetch struct {
	mu      sync.Mutex
	calls   int
	result  model.Balance
	err     error
	during  func()
}

func (f *countingFetch) fetch(context.Context) (model.Balance, error) {
	f.mu.Lock()
	f.calls++
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *countingFetch) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig(role Role) Config {
	return Config{
		Role:         role,
		TTL:          200 * time.Millisecond,
		StaleMax:     time.Second,
		LockTTL:      time.Second,
		WaitTimeout:  50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		KeyPrefix:    "test:",
	}
}

func newTestCache(kv KV, fetch *countingFetch, cfg Config) *Cache {
	return New("binance", kv, fetch.fetch, cfg, nil)
}

// seed writes a record with the given age directly into the store.
func seed(t *testing.T, kv *memKV, c *Cache, balances model.Balance, age time.Duration) {
	t.Helper()
	payload, err := json.Marshal(record{
		Balances: balances,
		CachedAt: time.Now().Add(-age).UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, kv.SetEX(context.Background(), c.balanceKey(), string(payload), time.Minute))
}

func TestAutoSingleFlightAcrossProcesses(t *testing.T) {
	kv := newMemKV()
	fetch := &countingFetch{result: usdt("1000")}

	// Two caches stand in for two processes sharing one credential.
	a := newTestCache(kv, fetch, testConfig(RoleAuto))
	b := newTestCache(kv, fetch, testConfig(RoleAuto))

	got, err := a.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1000").Equal(got["USDT"].Free))

	got, err = b.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1000").Equal(got["USDT"].Free))

	assert.Equal(t, 1, fetch.count(), "the second process must be served from the shared record")
}

func TestLeaderAlwaysFetchesDirect(t *testing.T) {
	kv := newMemKV()
	fetch := &countingFetch{result: usdt("500")}
	c := newTestCache(kv, fetch, testConfig(RoleLeader))

	seed(t, kv, c, usdt("999"), 0)

	got, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fetch.count(), "a fresh cached record must not stop the leader")
	assert.True(t, decimal.RequireFromString("500").Equal(got["USDT"].Free))

	// And the leader republishes what it fetched.
	raw, found, err := kv.Get(context.Background(), c.balanceKey())
	require.NoError(t, err)
	require.True(t, found)
	var rec record
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.True(t, decimal.RequireFromString("500").Equal(rec.Balances["USDT"].Free))
}

func TestFollowerNeverFetches(t *testing.T) {
	kv := newMemKV()
	fetch := &countingFetch{result: usdt("1")}
	c := newTestCache(kv, fetch, testConfig(RoleFollower))

	// Fresh record: served from cache.
	seed(t, kv, c, usdt("250"), 0)
	got, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("250").Equal(got["USDT"].Free))

	// Stale but within tolerance: still served.
	seed(t, kv, c, usdt("300"), 500*time.Millisecond)
	got, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("300").Equal(got["USDT"].Free))

	assert.Equal(t, 0, fetch.count(), "followers must never hit the exchange")
}

func TestFollowerUnavailableWithoutRecord(t *testing.T) {
	kv := newMemKV()
	fetch := &countingFetch{result: usdt("1")}
	c := newTestCache(kv, fetch, testConfig(RoleFollower))

	_, err := c.Get(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, fetch.count())
}

func TestFollowerWaitsForWriter(t *testing.T) {
	kv := newMemKV()
	fetch := &countingFetch{}
	cfg := testConfig(RoleFollower)
	cfg.WaitTimeout = 300 * time.Millisecond
	c := newTestCache(kv, fetch, cfg)

	// A writer publishes shortly after the follower starts waiting.
	go func() {
		time.Sleep(30 * time.Millisecond)
		seed(t, kv, c, usdt("777"), 0)
	}()

	got, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("777").Equal(got["USDT"].Free))
}

func TestAutoFallsBackToStaleWhenLockHeld(t *testing.T) {
	kv := newMemKV()
	fetch := &countingFetch{result: usdt("1")}
	c := newTestCache(kv, fetch, testConfig(RoleAuto))

	// Another process holds the lock; the only record is within tolerance.
	_, err := kv.SetNX(context.Background(), c.lockKey(), "someone-else", time.Minute)
	require.NoError(t, err)
	seed(t, kv, c, usdt("640"), 500*time.Millisecond)

	got, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("640").Equal(got["USDT"].Free))
	assert.Equal(t, 0, fetch.count(), "a held lock plus a tolerable record means no direct fetch")
}

func TestAutoLenientFallbackBeyondTolerance(t *testing.T) {
	kv := newMemKV()
	fetch := &countingFetch{result: usdt("1")}
	c := newTestCache(kv, fetch, testConfig(RoleAuto))

	_, err := kv.SetNX(context.Background(), c.lockKey(), "someone-else", time.Minute)
	require.NoError(t, err)
	// Far beyond StaleMax.
	seed(t, kv, c, usdt("888"), time.Hour)

	got, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("888").Equal(got["USDT"].Free),
		"lenient mode prefers an ancient snapshot over total failure")
}

func TestAutoStrictRefusesAncientRecord(t *testing.T) {
	kv := newMemKV()
	fetch := &countingFetch{result: usdt("1")}
	cfg := testConfig(RoleAuto)
	cfg.Strict = true
	c := newTestCache(kv, fetch, cfg)

	_, err := kv.SetNX(context.Background(), c.lockKey(), "someone-else", time.Minute)
	require.NoError(t, err)
	seed(t, kv, c, usdt("888"), time.Hour)

	_, err = c.Get(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, fetch.count())
}

func TestAutoRetriesLockAfterWait(t *testing.T) {
	kv := newMemKV()
	fetch := &countingFetch{result: usdt("450")}
	cfg := testConfig(RoleAuto)
	cfg.WaitTimeout = 40 * time.Millisecond
	c := newTestCache(kv, fetch, cfg)

	// A writer crashed: its lock expires while this process is waiting.
	_, err := kv.SetNX(context.Background(), c.lockKey(), "crashed-writer", 10*time.Millisecond)
	require.NoError(t, err)

	got, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("450").Equal(got["USDT"].Free))
	assert.Equal(t, 1, fetch.count(), "the expired lock is retaken after the wait")
}

func TestLockReleasedAfterFetch(t *testing.T) {
	kv := newMemKV()
	fetch := &countingFetch{result: usdt("10")}
	c := newTestCache(kv, fetch, testConfig(RoleAuto))

	_, err := c.Get(context.Background())
	require.NoError(t, err)

	_, held, err := kv.Get(context.Background(), c.lockKey())
	require.NoError(t, err)
	assert.False(t, held, "the lock must be released once the fetch is published")
}

func TestLockReleaseRespectsOwnership(t *testing.T) {
	kv := newMemKV()
	fetch := &countingFetch{result: usdt("10")}
	c := newTestCache(kv, fetch, testConfig(RoleAuto))

	// While this process holds the lock, it expires and another process takes
	// it. The release must not free the new owner's lock.
	fetch.during = func() {
		kv.mu.Lock()
		kv.data[c.lockKey()] = memEntry{value: "new-owner", expires: time.Now().Add(time.Minute)}
		kv.mu.Unlock()
	}

	_, err := c.Get(context.Background())
	require.NoError(t, err)

	val, held, err := kv.Get(context.Background(), c.lockKey())
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, "new-owner", val)
}

func TestLocalFrontSurvivesStoreOutage(t *testing.T) {
	kv := newMemKV()
	fetch := &countingFetch{result: usdt("10")}
	c := newTestCache(kv, fetch, testConfig(RoleFollower))

	seed(t, kv, c, usdt("123"), 0)

	// Prime the in-process front, then take the store down.
	_, err := c.Get(context.Background())
	require.NoError(t, err)
	kv.mu.Lock()
	kv.failGets = true
	kv.mu.Unlock()

	got, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("123").Equal(got["USDT"].Free),
		"a record within TTL is served from process memory")
}

func TestFetchErrorPropagates(t *testing.T) {
	kv := newMemKV()
	fetch := &countingFetch{err: errors.New("exchange down")}
	c := newTestCache(kv, fetch, testConfig(RoleLeader))

	_, err := c.Get(context.Background())
	require.Error(t, err)
	assert.EqualError(t, err, "exchange down")

	_, found, err := kv.Get(context.Background(), c.balanceKey())
	require.NoError(t, err)
	assert.False(t, found, "a failed fetch must not publish anything")
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.withDefaults()

	assert.Equal(t, RoleAuto, cfg.Role)
	assert.Equal(t, 5*time.Second, cfg.TTL)
	assert.Equal(t, 15*time.Second, cfg.StaleMax)
	assert.Equal(t, 10*time.Second, cfg.LockTTL)
	assert.Equal(t, 2*time.Second, cfg.WaitTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.PollInterval)

	// Derived floors scale with a long TTL.
	cfg = Config{TTL: 10 * time.Second}
	cfg.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.StaleMax)
	assert.Equal(t, 20*time.Second, cfg.LockTTL)
}

func TestKeyNaming(t *testing.T) {
	c := newTestCache(newMemKV(), &countingFetch{}, testConfig(RoleAuto))

	assert.Equal(t, "test:balance:shared:binance", c.balanceKey())
	assert.Equal(t, "test:lock:balance:binance", c.lockKey())
}
