package kms

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/tenant-provisioning-backend/cryptoutils"
)

// SplitMasterKey splits a master key into n shares, any threshold of which
// reconstruct it.
func SplitMasterKey(masterKey []byte, n, threshold int) ([][]byte, error) {
	if len(masterKey) < cryptoutils.MasterKeySize {
		return nil, errors.New("master key must be at least 32 bytes")
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if n < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	shares, err := shamir.Split(masterKey, n, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split master key: %w", err)
	}
	return shares, nil
}

// CombineShares reconstructs the master key and returns a KMS for it.
// Shamir cannot detect a wrong share set, callers should verify the result
// (tenantd decrypts an existing tenant secret on startup).
func CombineShares(shares [][]byte) (*SimpleKMS, error) {
	if len(shares) < 2 {
		return nil, errors.New("at least two shares are required")
	}
	masterKey, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return NewSimpleKMS(masterKey)
}

// ParseHexShares parses a comma separated list of hex shares.
func ParseHexShares(s string) ([][]byte, error) {
	var shares [][]byte
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		share, err := hex.DecodeString(part)
		if err != nil {
			return nil, fmt.Errorf("invalid share: %w", err)
		}
		shares = append(shares, share)
	}
	return shares, nil
}

// ShareCollector accumulates shares submitted one at a time, for instance by
// several operators, until the threshold is reached.
type ShareCollector struct {
	mu        sync.Mutex
	threshold int
	shares    map[string][]byte
	kms       *SimpleKMS
}

// NewShareCollector creates a collector for the given threshold.
func NewShareCollector(threshold int) *ShareCollector {
	return &ShareCollector{threshold: threshold, shares: make(map[string][]byte)}
}

// Submit adds a share. It returns the unlocked KMS once enough distinct
// shares were received, nil before that.
func (c *ShareCollector) Submit(share []byte) (*SimpleKMS, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.kms != nil {
		return c.kms, nil
	}
	if len(share) < 2 {
		return nil, errors.New("share too short")
	}
	c.shares[hex.EncodeToString(share)] = share
	if len(c.shares) < c.threshold {
		return nil, nil
	}

	collected := make([][]byte, 0, len(c.shares))
	for _, s := range c.shares {
		collected = append(collected, s)
	}
	kms, err := CombineShares(collected)
	if err != nil {
		return nil, err
	}
	c.kms = kms
	c.shares = nil
	return kms, nil
}

// Received returns the number of distinct shares held.
func (c *ShareCollector) Received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shares)
}
