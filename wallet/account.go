// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/hdwallet/chain"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/txstore"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// OwnershipLookahead is the number of indexes past the last used one, per
// keychain, that are still recognized as the account's own.
const OwnershipLookahead = 25

// AddressInfo is an address of the account along with its position.
type AddressInfo struct {
	Index    uint32
	Keychain descriptor.Keychain
	Address  btcutil.Address
	PkScript []byte

	// Path is the full derivation path of the address key.
	Path descriptor.DerivationPath
}

// Account is a single HD account: a pair of descriptors and the store that
// tracks their outputs. Reads work on an immutable snapshot under a shared
// lock, ApplyUpdate is the only state mutation.
type Account struct {
	key    string
	path   descriptor.DerivationPath
	net    descriptor.Network
	params *chaincfg.Params
	pair   *descriptor.Pair

	scripts *scriptCache

	mu    sync.RWMutex
	store txstore.Store
	snap  *txstore.Snapshot
}

// A compile-time check to ensure Account can be synced.
var _ chain.SyncTarget = (*Account)(nil)

// NewAccount creates an account from its extended private key. The path must
// be a hardened purpose'/coin'/account' path matching the script type and
// network. The current state is loaded from the store, which the account
// owns from now on.
func NewAccount(accountXprv *hdkeychain.ExtendedKey, net descriptor.Network,
	st descriptor.ScriptType, path descriptor.DerivationPath,
	store txstore.Store, opts ...descriptor.Option) (*Account, error) {

	if err := path.ValidateAccount(st, net); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("account %v: nil store", path)
	}

	opts = append(opts, descriptor.WithNetwork(net))
	pair, err := descriptor.Build(accountXprv, st, opts...)
	if err != nil {
		return nil, err
	}

	snap, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load account %v: %w", path, err)
	}

	fp := fn.None[descriptor.Fingerprint]()
	if origin, ok := pair.External.Origin(); ok {
		fp = fn.Some(origin.Fingerprint)
	}

	return &Account{
		key:     accountKey(fp, path),
		path:    path.Child(),
		net:     net,
		params:  net.Params(),
		pair:    pair,
		scripts: newScriptCache(pair),
		store:   store,
		snap:    snap,
	}, nil
}

// accountKey identifies an account in a store. The master fingerprint, when
// known, keeps accounts of different wallets apart.
func accountKey(fp fn.Option[descriptor.Fingerprint],
	path descriptor.DerivationPath) string {

	prefix := fn.MapOptionZ(fp, func(f descriptor.Fingerprint) string {
		return f.String() + ":"
	})

	return prefix + path.String()
}

// Key returns the store key of the account.
func (a *Account) Key() string {
	return a.key
}

// DerivationPath returns the account path.
func (a *Account) DerivationPath() descriptor.DerivationPath {
	return a.path.Child()
}

// ScriptType returns the output type of the account.
func (a *Account) ScriptType() descriptor.ScriptType {
	return a.pair.External.ScriptType()
}

// Network returns the network of the account.
func (a *Account) Network() descriptor.Network {
	return a.net
}

// Descriptors returns the external and internal descriptors.
func (a *Account) Descriptors() (*descriptor.Descriptor,
	*descriptor.Descriptor) {

	return a.pair.External, a.pair.Internal
}

// KeyOrigin returns the master fingerprint and path of the account key when
// the account was derived by a wallet.
func (a *Account) KeyOrigin() fn.Option[descriptor.KeyOrigin] {
	origin, ok := a.pair.External.Origin()
	if !ok {
		return fn.None[descriptor.KeyOrigin]()
	}

	return fn.Some(origin)
}

// Snapshot returns the current immutable state of the account.
func (a *Account) Snapshot() *txstore.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.snap
}

// ScriptAt returns the output script at keychain/index.
func (a *Account) ScriptAt(k descriptor.Keychain, index uint32) ([]byte,
	error) {

	addr, err := a.scripts.address(k, index)
	if err != nil {
		return nil, err
	}

	return addr.PkScript, nil
}

// DerivedAddress returns the full derivation data at keychain/index.
func (a *Account) DerivedAddress(k descriptor.Keychain,
	index uint32) (*descriptor.DerivedAddress, error) {

	return a.scripts.address(k, index)
}

// ApplyUpdate persists a sync result and swaps in the new snapshot. The
// store write happens first, so a failed write leaves the account untouched.
func (a *Account) ApplyUpdate(u *txstore.Update) error {
	if u == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.ApplyUpdate(u); err != nil {
		return fmt.Errorf("apply update to %v: %w", a.path, err)
	}
	a.snap = a.snap.Apply(u)

	log.Debugf("Account %v updated: %d utxos, %d txs", a.path,
		len(a.snap.Utxos), len(a.snap.Txs))

	return nil
}

// Balance returns the balance of the account.
func (a *Account) Balance() (Balance, error) {
	snap := a.Snapshot()

	return computeBalance(snap, int32(a.params.CoinbaseMaturity)), nil
}

// Utxos returns the unspent outputs of the account ordered by outpoint.
func (a *Account) Utxos() ([]txstore.Utxo, error) {
	utxos := a.Snapshot().UtxoList()
	sort.Slice(utxos, func(i, j int) bool {
		return outPointLess(utxos[i].OutPoint, utxos[j].OutPoint)
	})

	return utxos, nil
}

// SpendableUtxos returns the outputs that can be spent now, leaving out
// immature coinbase outputs.
func (a *Account) SpendableUtxos() ([]txstore.Utxo, error) {
	snap := a.Snapshot()
	tip := snap.TipHeight()
	maturity := int32(a.params.CoinbaseMaturity)

	utxos := make([]txstore.Utxo, 0, len(snap.Utxos))
	for _, utxo := range snap.Utxos {
		if utxo.IsCoinbase && utxo.Confirmations(tip) < maturity {
			continue
		}
		utxos = append(utxos, utxo)
	}
	sort.Slice(utxos, func(i, j int) bool {
		return outPointLess(utxos[i].OutPoint, utxos[j].OutPoint)
	})

	return utxos, nil
}

// LastUnusedIndex returns the first external index without activity.
func (a *Account) LastUnusedIndex() uint32 {
	return a.Snapshot().NextUnused(descriptor.External)
}

// Address returns the external address at the given index, or the first
// unused one when no index is given. Neither mode changes account state.
func (a *Account) Address(index fn.Option[uint32]) (*AddressInfo, error) {
	idx := index.UnwrapOr(a.LastUnusedIndex())

	return a.addressInfo(descriptor.External, idx)
}

// ChangeAddress returns the first unused internal address.
func (a *Account) ChangeAddress() (*AddressInfo, error) {
	idx := a.Snapshot().NextUnused(descriptor.Internal)

	return a.addressInfo(descriptor.Internal, idx)
}

func (a *Account) addressInfo(k descriptor.Keychain,
	index uint32) (*AddressInfo, error) {

	derived, err := a.scripts.address(k, index)
	if err != nil {
		return nil, err
	}

	return &AddressInfo{
		Index:    index,
		Keychain: k,
		Address:  derived.Address,
		PkScript: derived.PkScript,
		Path:     derived.Path,
	}, nil
}

// ParseAddress decodes an address for the account network.
func (a *Account) ParseAddress(s string) (btcutil.Address, error) {
	return parseAddress(s, a.params)
}

func parseAddress(s string, params *chaincfg.Params) (btcutil.Address,
	error) {

	addr, err := btcutil.DecodeAddress(s, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressParse, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("%w: %s is not for %s", ErrAddressParse,
			s, params.Name)
	}

	return addr, nil
}

// Owns reports whether the address pays to one of the account scripts
// within the ownership lookahead of either keychain.
func (a *Account) Owns(addr btcutil.Address) bool {
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return false
	}

	_, ok := a.scripts.lookup(pkScript, ownershipLimits(a.Snapshot()))

	return ok
}

// ownedScript locates a script of the account in the given snapshot.
func (a *Account) ownedScript(snap *txstore.Snapshot,
	pkScript []byte) (scriptLoc, bool) {

	return a.scripts.lookup(pkScript, ownershipLimits(snap))
}

// ownershipLimits returns the exclusive index limit per keychain.
func ownershipLimits(snap *txstore.Snapshot) map[descriptor.Keychain]uint32 {
	limits := make(map[descriptor.Keychain]uint32, len(descriptor.Keychains))
	for _, k := range descriptor.Keychains {
		limits[k] = snap.NextUnused(k) + OwnershipLookahead
	}

	return limits
}
