// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txbuilder assembles unsigned PSBTs for an account. A Builder is an
// immutable value: every setter returns a modified copy and leaves the
// receiver untouched, so intermediate configurations can be kept and reused.
package txbuilder

import (
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/pkg/unit"
	"github.com/btcsuite/hdwallet/txstore"
	"github.com/btcsuite/hdwallet/wallet"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultFeeRate is used when no fee rate was set.
var DefaultFeeRate = unit.SatsPerVByte(1)

// CoinSelection is the policy used to pick inputs.
type CoinSelection uint8

const (
	// BranchAndBound searches for an input set matching the target
	// without change, falling back to LargestFirst.
	BranchAndBound CoinSelection = iota

	// LargestFirst adds the largest outputs first.
	LargestFirst

	// OldestFirst adds the outputs with the most confirmations first.
	OldestFirst

	// Manual spends exactly the pinned outputs.
	Manual
)

// String returns the policy name.
func (c CoinSelection) String() string {
	switch c {
	case BranchAndBound:
		return "branch_and_bound"
	case LargestFirst:
		return "largest_first"
	case OldestFirst:
		return "oldest_first"
	case Manual:
		return "manual"
	default:
		return fmt.Sprintf("CoinSelection(%d)", uint8(c))
	}
}

// ChangePolicy controls whether a change output may be created.
type ChangePolicy uint8

const (
	// ChangeAllowed adds a change output when the leftover is above dust
	// and gives it to the fee otherwise.
	ChangeAllowed ChangePolicy = iota

	// OnlyChange requires the transaction to carry a change output.
	OnlyChange

	// ChangeForbidden never adds a change output. Leftover up to the
	// maximum fee donation goes to the fee.
	ChangeForbidden
)

// String returns the policy name.
func (c ChangePolicy) String() string {
	switch c {
	case ChangeAllowed:
		return "change_allowed"
	case OnlyChange:
		return "only_change"
	case ChangeForbidden:
		return "change_forbidden"
	default:
		return fmt.Sprintf("ChangePolicy(%d)", uint8(c))
	}
}

// Account is the view of a wallet account the builder spends from.
type Account interface {
	// Network returns the network of the account.
	Network() descriptor.Network

	// ScriptType returns the output type of the account.
	ScriptType() descriptor.ScriptType

	// KeyOrigin returns the master fingerprint and account path.
	KeyOrigin() fn.Option[descriptor.KeyOrigin]

	// Snapshot returns the current store view.
	Snapshot() *txstore.Snapshot

	// SpendableUtxos returns the outputs that can be spent now.
	SpendableUtxos() ([]txstore.Utxo, error)

	// ChangeAddress returns the next unused internal address.
	ChangeAddress() (*wallet.AddressInfo, error)

	// DerivedAddress returns the derivation data at keychain/index.
	DerivedAddress(k descriptor.Keychain,
		index uint32) (*descriptor.DerivedAddress, error)
}

// A compile-time assertion that wallet accounts can be spent from.
var _ Account = (*wallet.Account)(nil)

// Recipient is one payment of the transaction. Address and amount may be
// filled in over several updates.
type Recipient struct {
	ID      uuid.UUID
	Address fn.Option[btcutil.Address]
	Amount  fn.Option[btcutil.Amount]
}

// Builder accumulates the parameters of a transaction. The zero value is
// usable and spends with BranchAndBound and ChangeAllowed.
type Builder struct {
	account        Account
	recipients     []Recipient
	utxosToSpend   []wire.OutPoint
	coinSelection  CoinSelection
	changePolicy   ChangePolicy
	feeRate        fn.Option[unit.SatPerVByte]
	rbf            bool
	locktime       fn.Option[uint32]
	maxFeeDonation btcutil.Amount
}

// New returns an empty builder.
func New() Builder {
	return Builder{}
}

// clone copies the builder so the slices of the copy can be changed freely.
func (b Builder) clone() Builder {
	b.recipients = slices.Clone(b.recipients)
	b.utxosToSpend = slices.Clone(b.utxosToSpend)

	return b
}

// SetAccount binds the account to spend from. Pinned outputs are kept.
func (b Builder) SetAccount(account Account) Builder {
	c := b.clone()
	c.account = account

	return c
}

// Account returns the bound account, if any.
func (b Builder) Account() fn.Option[Account] {
	if b.account == nil {
		return fn.None[Account]()
	}

	return fn.Some(b.account)
}

// AddRecipient appends a recipient with a fresh identifier. Either field may
// be left unset and filled in later with UpdateRecipient.
func (b Builder) AddRecipient(addr fn.Option[btcutil.Address],
	amount fn.Option[btcutil.Amount]) Builder {

	c := b.clone()
	c.recipients = append(c.recipients, Recipient{
		ID:      uuid.New(),
		Address: addr,
		Amount:  amount,
	})

	return c
}

// RemoveRecipient drops the recipient at index i. An index out of range
// returns an unchanged copy.
func (b Builder) RemoveRecipient(i int) Builder {
	c := b.clone()
	if i < 0 || i >= len(c.recipients) {
		return c
	}
	c.recipients = slices.Delete(c.recipients, i, i+1)

	return c
}

// UpdateRecipient sets the given fields of the recipient at index i. Unset
// options leave the current value in place and an index out of range returns
// an unchanged copy.
func (b Builder) UpdateRecipient(i int, addr fn.Option[btcutil.Address],
	amount fn.Option[btcutil.Amount]) Builder {

	c := b.clone()
	if i < 0 || i >= len(c.recipients) {
		return c
	}

	r := c.recipients[i]
	addr.WhenSome(func(a btcutil.Address) {
		r.Address = fn.Some(a)
	})
	amount.WhenSome(func(a btcutil.Amount) {
		r.Amount = fn.Some(a)
	})
	c.recipients[i] = r

	return c
}

// Recipients returns a copy of the recipients in order.
func (b Builder) Recipients() []Recipient {
	return slices.Clone(b.recipients)
}

// AddUtxoToSpend pins an output so it is always spent.
func (b Builder) AddUtxoToSpend(op wire.OutPoint) Builder {
	c := b.clone()
	if !slices.Contains(c.utxosToSpend, op) {
		c.utxosToSpend = append(c.utxosToSpend, op)
	}

	return c
}

// RemoveUtxoToSpend unpins an output.
func (b Builder) RemoveUtxoToSpend(op wire.OutPoint) Builder {
	c := b.clone()
	c.utxosToSpend = slices.DeleteFunc(c.utxosToSpend,
		func(o wire.OutPoint) bool {
			return o == op
		},
	)

	return c
}

// ClearUtxosToSpend unpins every output.
func (b Builder) ClearUtxosToSpend() Builder {
	c := b.clone()
	c.utxosToSpend = nil

	return c
}

// UtxosToSpend returns the pinned outpoints in the order they were added.
func (b Builder) UtxosToSpend() []wire.OutPoint {
	return slices.Clone(b.utxosToSpend)
}

// SetCoinSelection sets the input selection policy.
func (b Builder) SetCoinSelection(policy CoinSelection) Builder {
	c := b.clone()
	c.coinSelection = policy

	return c
}

// CoinSelection returns the input selection policy.
func (b Builder) CoinSelection() CoinSelection {
	return b.coinSelection
}

// SetChangePolicy sets the change policy.
func (b Builder) SetChangePolicy(policy ChangePolicy) Builder {
	c := b.clone()
	c.changePolicy = policy

	return c
}

// ChangePolicy returns the change policy.
func (b Builder) ChangePolicy() ChangePolicy {
	return b.changePolicy
}

// SetFeeRate sets the fee rate target.
func (b Builder) SetFeeRate(rate unit.SatPerVByte) Builder {
	c := b.clone()
	c.feeRate = fn.Some(rate)

	return c
}

// FeeRate returns the fee rate target, DefaultFeeRate when unset.
func (b Builder) FeeRate() unit.SatPerVByte {
	return b.feeRate.UnwrapOr(DefaultFeeRate)
}

// EnableRBF signals replaceability on every input.
func (b Builder) EnableRBF() Builder {
	c := b.clone()
	c.rbf = true

	return c
}

// DisableRBF clears the replaceability signal.
func (b Builder) DisableRBF() Builder {
	c := b.clone()
	c.rbf = false

	return c
}

// RBFEnabled reports whether replaceability is signaled.
func (b Builder) RBFEnabled() bool {
	return b.rbf
}

// AddLocktime sets the transaction locktime.
func (b Builder) AddLocktime(locktime uint32) Builder {
	c := b.clone()
	c.locktime = fn.Some(locktime)

	return c
}

// RemoveLocktime clears the transaction locktime.
func (b Builder) RemoveLocktime() Builder {
	c := b.clone()
	c.locktime = fn.None[uint32]()

	return c
}

// Locktime returns the transaction locktime, if set.
func (b Builder) Locktime() fn.Option[uint32] {
	return b.locktime
}

// SetMaxFeeDonation sets how much leftover the ChangeForbidden policy may add
// to the fee. The default is zero.
func (b Builder) SetMaxFeeDonation(amount btcutil.Amount) Builder {
	c := b.clone()
	c.maxFeeDonation = amount

	return c
}

// MaxFeeDonation returns the ChangeForbidden leftover tolerance.
func (b Builder) MaxFeeDonation() btcutil.Amount {
	return b.maxFeeDonation
}

// sequence returns the input sequence for the RBF and locktime settings.
func (b Builder) sequence() uint32 {
	switch {
	case b.rbf:
		return wire.MaxTxInSequenceNum - 2

	case b.locktime.IsSome():
		return wire.MaxTxInSequenceNum - 1

	default:
		return wire.MaxTxInSequenceNum
	}
}
