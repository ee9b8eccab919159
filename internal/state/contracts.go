package state

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"riskd/pkg/types"
)

// ContractFetcher fetches contract metadata from the brokerage. The REST
// client implements this; tests inject fakes.
type ContractFetcher interface {
	GetContractByID(ctx context.Context, contractID string) (*types.Contract, error)
}

// ContractStore is the persistence surface the cache writes through to.
type ContractStore interface {
	SaveContract(c types.Contract, cachedAt time.Time) error
	LoadContracts(limit int) ([]types.Contract, []time.Time, error)
}

type cacheEntry struct {
	contract types.Contract
	cachedAt time.Time
	elem     *list.Element // position in the LRU list
}

// ContractCache maps contract id to tick metadata with LRU eviction and
// TTL refresh. Fetches go through the brokerage client and block the
// caller (with a timeout); a fetch failure returns nil and the caller is
// expected to skip price-dependent math for that event.
type ContractCache struct {
	fetcher ContractFetcher
	store   ContractStore
	logger  *slog.Logger

	maxSize   int
	ttl       time.Duration
	fetchWait time.Duration

	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List // front = most recently used; values are contract ids

	now func() time.Time
}

// NewContractCache creates a cache bounded at maxSize entries with the
// given TTL. Pass the durable store to warm from and write through to.
func NewContractCache(fetcher ContractFetcher, store ContractStore, maxSize int, ttl, fetchWait time.Duration, logger *slog.Logger) *ContractCache {
	return &ContractCache{
		fetcher:   fetcher,
		store:     store,
		logger:    logger.With("component", "contract_cache"),
		maxSize:   maxSize,
		ttl:       ttl,
		fetchWait: fetchWait,
		entries:   make(map[string]*cacheEntry),
		lru:       list.New(),
		now:       time.Now,
	}
}

// Warm loads persisted contracts up to maxSize. Entries past their TTL
// still load; the first Get refetches them.
func (cc *ContractCache) Warm() error {
	contracts, cachedAts, err := cc.store.LoadContracts(cc.maxSize)
	if err != nil {
		return fmt.Errorf("warm contract cache: %w", err)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	for i, c := range contracts {
		e := &cacheEntry{contract: c, cachedAt: cachedAts[i]}
		e.elem = cc.lru.PushBack(c.ID)
		cc.entries[c.ID] = e
	}
	cc.logger.Info("contract cache warmed", "entries", len(contracts))
	return nil
}

// Get returns metadata for a contract, fetching through the brokerage on
// a miss or TTL expiry. Returns nil when the fetch fails; the failure is
// logged here so callers only need the nil check.
func (cc *ContractCache) Get(ctx context.Context, contractID string) *types.Contract {
	cc.mu.Lock()
	if e, ok := cc.entries[contractID]; ok && cc.now().Sub(e.cachedAt) <= cc.ttl {
		cc.lru.MoveToFront(e.elem)
		c := e.contract
		cc.mu.Unlock()
		return &c
	}
	cc.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, cc.fetchWait)
	defer cancel()
	c, err := cc.fetcher.GetContractByID(fetchCtx, contractID)
	if err != nil {
		cc.logger.Warn("contract fetch failed", "contract", contractID, "error", err)
		return nil
	}
	if c.TickSize.Sign() <= 0 || c.TickValue.Sign() <= 0 {
		cc.logger.Warn("contract has invalid tick metadata, rejecting",
			"contract", contractID, "tick_size", c.TickSize, "tick_value", c.TickValue)
		return nil
	}

	cc.put(*c)
	if err := cc.store.SaveContract(*c, cc.now()); err != nil {
		cc.logger.Error("persist contract failed", "contract", contractID, "error", err)
	}
	out := *c
	return &out
}

// Peek returns the cached entry without fetching or touching LRU order.
func (cc *ContractCache) Peek(contractID string) *types.Contract {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if e, ok := cc.entries[contractID]; ok {
		c := e.contract
		return &c
	}
	return nil
}

// Len returns the number of cached entries.
func (cc *ContractCache) Len() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.entries)
}

func (cc *ContractCache) put(c types.Contract) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if e, ok := cc.entries[c.ID]; ok {
		e.contract = c
		e.cachedAt = cc.now()
		cc.lru.MoveToFront(e.elem)
		return
	}

	e := &cacheEntry{contract: c, cachedAt: cc.now()}
	e.elem = cc.lru.PushFront(c.ID)
	cc.entries[c.ID] = e

	for len(cc.entries) > cc.maxSize {
		oldest := cc.lru.Back()
		if oldest == nil {
			break
		}
		id := oldest.Value.(string)
		cc.lru.Remove(oldest)
		delete(cc.entries, id)
	}
}
