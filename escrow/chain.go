package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// MemoryChain is an in-memory ChainClient that records transfers instead of
// broadcasting them. Faults can be injected for tests.
type MemoryChain struct {
	network string

	mu        deadlock.Mutex
	receipts  map[string]Receipt // token -> receipt
	reversed  map[string]string  // tx hash -> reversal token
	failures  int
	failErr   error
	noReverse bool
	calls     int
}

// NewMemoryChain creates a chain client for the named network.
func NewMemoryChain(network string) *MemoryChain {
	return &MemoryChain{
		network:  network,
		receipts: make(map[string]Receipt),
		reversed: make(map[string]string),
	}
}

// FailNext makes the next n Execute calls fail with err.
// A nil err uses ErrChainUnavailable.
func (c *MemoryChain) FailNext(n int, err error) {
	if err == nil {
		err = ErrChainUnavailable
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
	c.failErr = err
}

// FailReversals makes every Reverse call fail while set.
func (c *MemoryChain) FailReversals(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noReverse = fail
}

// Execute records the transfer and returns its receipt. Repeated calls with the
// same token return the first receipt.
func (c *MemoryChain) Execute(ctx context.Context, token string, t Transfer) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if r, ok := c.receipts[token]; ok {
		return r, nil
	}
	if c.failures > 0 {
		c.failures--
		return Receipt{}, fmt.Errorf("transfer %s: %w", t.TransactionID, c.failErr)
	}

	sum := sha256.Sum256([]byte(token))
	r := Receipt{
		TxHash:      "0x" + hex.EncodeToString(sum[:]),
		Network:     c.network,
		ConfirmedAt: time.Now().UTC(),
	}
	c.receipts[token] = r
	return r, nil
}

// Reverse records a reversal of the receipt's transfer. Reversing twice is a no-op.
func (c *MemoryChain) Reverse(ctx context.Context, token string, receipt Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.noReverse {
		return fmt.Errorf("reverse %s: %w", receipt.TxHash, ErrChainUnavailable)
	}
	if receipt.TxHash == "" {
		return nil
	}
	if _, done := c.reversed[receipt.TxHash]; !done {
		c.reversed[receipt.TxHash] = token
	}
	return nil
}

// Calls returns how many Execute calls were made.
func (c *MemoryChain) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Transfers returns the number of distinct transfers executed.
func (c *MemoryChain) Transfers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.receipts)
}

// Reversed reports whether the transfer with the given hash was reversed.
func (c *MemoryChain) Reversed(txHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.reversed[txHash]
	return ok
}

var _ ChainClient = (*MemoryChain)(nil)
