// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/hdwallet/descriptor"
)

// scriptLoc is the position of an output script in the account.
type scriptLoc struct {
	keychain descriptor.Keychain
	index    uint32
}

// scriptCache memoizes derived addresses per keychain and indexes them by
// output script. Derivation is deterministic, so entries never go stale.
type scriptCache struct {
	pair *descriptor.Pair

	mu       sync.Mutex
	derived  map[descriptor.Keychain][]*descriptor.DerivedAddress
	byScript map[string]scriptLoc
}

func newScriptCache(pair *descriptor.Pair) *scriptCache {
	return &scriptCache{
		pair:     pair,
		derived:  make(map[descriptor.Keychain][]*descriptor.DerivedAddress),
		byScript: make(map[string]scriptLoc),
	}
}

// address returns the derived address at keychain/index. Indexes already
// scanned come from the cache, any other one is derived on its own without
// holding the cache lock.
func (c *scriptCache) address(k descriptor.Keychain,
	index uint32) (*descriptor.DerivedAddress, error) {

	if index >= hdkeychain.HardenedKeyStart {
		return nil, descriptor.ErrInvalidIndex
	}

	c.mu.Lock()
	if derived := c.derived[k]; uint64(index) < uint64(len(derived)) {
		addr := derived[index]
		c.mu.Unlock()

		return addr, nil
	}
	c.mu.Unlock()

	return c.pair.ForKeychain(k).Derive(index)
}

// fill derives the keychain up to, but excluding, limit.
func (c *scriptCache) fill(k descriptor.Keychain, limit uint32) error {
	desc := c.pair.ForKeychain(k)
	for next := uint32(len(c.derived[k])); next < limit; next++ {
		addr, err := desc.Derive(next)
		if err != nil {
			return err
		}

		c.derived[k] = append(c.derived[k], addr)
		c.byScript[string(addr.PkScript)] = scriptLoc{
			keychain: k,
			index:    next,
		}
	}

	return nil
}

// lookup finds the script among the indexes below the per keychain limits.
func (c *scriptCache) lookup(pkScript []byte,
	limits map[descriptor.Keychain]uint32) (scriptLoc, bool) {

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range descriptor.Keychains {
		if err := c.fill(k, limits[k]); err != nil {
			log.Errorf("Unable to derive %v scripts: %v", k, err)
			return scriptLoc{}, false
		}
	}

	loc, ok := c.byScript[string(pkScript)]
	if !ok || loc.index >= limits[loc.keychain] {
		return scriptLoc{}, false
	}

	return loc, true
}
