// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txbuilder

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/hdwallet/descriptor"
	"github.com/btcsuite/hdwallet/pkg/unit"
	"github.com/btcsuite/hdwallet/txstore"
)

// bnbMaxTries bounds the number of branches the search visits.
const bnbMaxTries = 100_000

// feeModel estimates fees for transactions spending inputs of one script type
// to a fixed set of outputs.
type feeModel struct {
	scriptType descriptor.ScriptType
	outputs    []*wire.TxOut
	changeSize int
	rate       unit.SatPerVByte
}

// fee returns the fee of a transaction with numInputs inputs, with or
// without a change output.
func (m *feeModel) fee(numInputs int, withChange bool) btcutil.Amount {
	changeSize := 0
	if withChange {
		changeSize = m.changeSize
	}

	var p2pkh, p2tr, p2wpkh, nested int
	switch m.scriptType {
	case descriptor.Legacy:
		p2pkh = numInputs
	case descriptor.NestedSegwit:
		nested = numInputs
	case descriptor.NativeSegwit:
		p2wpkh = numInputs
	case descriptor.Taproot:
		p2tr = numInputs
	}

	vsize := txsizes.EstimateVirtualSize(
		p2pkh, p2tr, p2wpkh, nested, m.outputs, changeSize,
	)

	return m.rate.FeeForVSize(unit.VByte(vsize))
}

// dustLimit is the smallest change value worth creating.
func (m *feeModel) dustLimit() btcutil.Amount {
	return txrules.GetDustThreshold(
		m.changeSize, txrules.DefaultRelayFeePerKb,
	)
}

// inputFee is the fee one more input adds.
func (m *feeModel) inputFee() btcutil.Amount {
	return m.fee(1, false) - m.fee(0, false)
}

// costOfChange is what creating a change output and later spending it
// costs at the current rate.
func (m *feeModel) costOfChange() btcutil.Amount {
	return m.fee(0, true) - m.fee(0, false) + m.inputFee()
}

// selection is the outcome of coin selection.
type selection struct {
	inputs []txstore.Utxo
	total  btcutil.Amount
	fee    btcutil.Amount
	change btcutil.Amount
}

// hasChange reports whether the selection pays a change output.
func (s *selection) hasChange() bool {
	return s.change > 0
}

// sumUtxos totals the utxo values.
func sumUtxos(utxos []txstore.Utxo) btcutil.Amount {
	var total btcutil.Amount
	for _, u := range utxos {
		total += u.Value
	}

	return total
}

// recipientTotal sums the recipient outputs.
func recipientTotal(outputs []*wire.TxOut) btcutil.Amount {
	return txauthor.SumOutputValues(outputs)
}

// arrange orders the optional pool for the greedy policies.
func arrange(pool []txstore.Utxo, policy CoinSelection) []txstore.Utxo {
	arranged := make([]txstore.Utxo, len(pool))
	copy(arranged, pool)

	switch policy {
	case OldestFirst:
		sort.SliceStable(arranged, func(i, j int) bool {
			return olderThan(arranged[i], arranged[j])
		})

	default:
		sort.SliceStable(arranged, func(i, j int) bool {
			return largerThan(arranged[i], arranged[j])
		})
	}

	return arranged
}

// largerThan orders by value descending, then by outpoint.
func largerThan(a, b txstore.Utxo) bool {
	if a.Value != b.Value {
		return a.Value > b.Value
	}

	return outPointLess(a.OutPoint, b.OutPoint)
}

// olderThan orders by confirmation height ascending with unconfirmed outputs
// last, then by outpoint.
func olderThan(a, b txstore.Utxo) bool {
	if a.Confirmed() != b.Confirmed() {
		return a.Confirmed()
	}
	if a.Height != b.Height {
		return a.Height < b.Height
	}

	return outPointLess(a.OutPoint, b.OutPoint)
}

func outPointLess(a, b wire.OutPoint) bool {
	for i := range a.Hash {
		if a.Hash[i] != b.Hash[i] {
			return a.Hash[i] < b.Hash[i]
		}
	}

	return a.Index < b.Index
}

// accumulate adds the pinned outputs and then the arranged pool one at a time
// until done reports the running total is enough.
func accumulate(pinned, arranged []txstore.Utxo,
	done func(total btcutil.Amount, n int) bool) ([]txstore.Utxo,
	btcutil.Amount, bool) {

	inputs := make([]txstore.Utxo, 0, len(pinned)+len(arranged))
	inputs = append(inputs, pinned...)
	total := sumUtxos(pinned)

	if len(inputs) > 0 && done(total, len(inputs)) {
		return inputs, total, true
	}
	for _, u := range arranged {
		inputs = append(inputs, u)
		total += u.Value
		if done(total, len(inputs)) {
			return inputs, total, true
		}
	}

	return inputs, total, false
}

// yieldsPositively reports whether spending the output adds more value than
// its input fee.
func yieldsPositively(u txstore.Utxo, inputFee btcutil.Amount) bool {
	return u.Value > inputFee
}

// branchAndBound searches the pool for a set that, together with the pinned
// outputs, exceeds the changeless target by at most window. The set with the
// least excess wins.
func branchAndBound(pinned, pool []txstore.Utxo, m *feeModel,
	target, window btcutil.Amount) ([]txstore.Utxo, bool) {

	inputFee := m.inputFee()

	candidates := make([]txstore.Utxo, 0, len(pool))
	for _, u := range pool {
		if yieldsPositively(u, inputFee) {
			candidates = append(candidates, u)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return largerThan(candidates[i], candidates[j])
	})

	// remaining[i] is the value of candidates[i:].
	remaining := make([]btcutil.Amount, len(candidates)+1)
	for i := len(candidates) - 1; i >= 0; i-- {
		remaining[i] = remaining[i+1] + candidates[i].Value
	}

	excess := func(total btcutil.Amount, n int) btcutil.Amount {
		return total - target - m.fee(n, false)
	}

	var (
		tries      int
		found      bool
		best       []int
		bestExcess btcutil.Amount
		picked     []int
	)

	var search func(i int, total btcutil.Amount)
	search = func(i int, total btcutil.Amount) {
		if tries >= bnbMaxTries {
			return
		}
		tries++

		n := len(pinned) + len(picked)
		if n > 0 {
			e := excess(total, n)
			if e >= 0 {
				// Adding more inputs only raises the excess.
				if e <= window && (!found || e < bestExcess ||
					(e == bestExcess && len(picked) < len(best))) {

					found = true
					bestExcess = e
					best = append(best[:0], picked...)
				}

				return
			}
		}

		if i == len(candidates) {
			return
		}

		// Prune when even every remaining candidate falls short.
		rest := len(candidates) - i
		if excess(total+remaining[i], n+rest) < 0 {
			return
		}

		picked = append(picked, i)
		search(i+1, total+candidates[i].Value)
		picked = picked[:len(picked)-1]

		// Leaving out one candidate makes leaving out an equal one
		// right after it redundant.
		j := i + 1
		for j < len(candidates) &&
			candidates[j].Value == candidates[i].Value {

			j++
		}
		search(j, total)
	}
	search(0, sumUtxos(pinned))

	if !found {
		log.Tracef("Branch and bound found no match after %d tries",
			tries)

		return nil, false
	}

	inputs := make([]txstore.Utxo, 0, len(pinned)+len(best))
	inputs = append(inputs, pinned...)
	for _, i := range best {
		inputs = append(inputs, candidates[i])
	}

	log.Debugf("Branch and bound selected %d inputs with excess %v after "+
		"%d tries", len(inputs), bestExcess, tries)

	return inputs, true
}

// selectCoins runs the coin selection and change policies over the pinned
// outputs and the optional pool.
func selectCoins(pinned, pool []txstore.Utxo, m *feeModel,
	policy CoinSelection, change ChangePolicy,
	maxDonation btcutil.Amount) (*selection, error) {

	target := recipientTotal(m.outputs)
	if policy == Manual {
		pool = nil
	}

	insufficient := func(total btcutil.Amount, n int) error {
		return &ErrInsufficientFunds{
			Needed:    target + m.fee(max(n, 1), false),
			Available: total,
		}
	}

	// changeless builds a selection paying the leftover to the fee.
	changeless := func(inputs []txstore.Utxo) *selection {
		total := sumUtxos(inputs)

		return &selection{
			inputs: inputs,
			total:  total,
			fee:    total - target,
		}
	}

	covers := func(total btcutil.Amount, n int) bool {
		return total >= target+m.fee(n, false)
	}

	switch change {
	case ChangeForbidden:
		if policy == BranchAndBound {
			inputs, ok := branchAndBound(
				pinned, pool, m, target, maxDonation,
			)
			if ok {
				return changeless(inputs), nil
			}
		}

		inputs, total, ok := accumulate(
			pinned, arrange(pool, policy), covers,
		)
		if !ok {
			return nil, insufficient(total, len(inputs))
		}

		excess := total - target - m.fee(len(inputs), false)
		if excess > maxDonation {
			return nil, fmt.Errorf("%w: excess %v, maximum %v",
				ErrChangeForbiddenExcess, excess, maxDonation)
		}

		return changeless(inputs), nil

	case OnlyChange:
		dust := m.dustLimit()
		withChange := func(total btcutil.Amount, n int) bool {
			return total-target-m.fee(n, true) >= dust
		}

		inputs, total, ok := accumulate(
			pinned, arrange(pool, policy), withChange,
		)
		if !ok {
			if covers(total, len(inputs)) {
				return nil, ErrNoChangeAvailable
			}

			return nil, insufficient(total, len(inputs))
		}

		fee := m.fee(len(inputs), true)

		return &selection{
			inputs: inputs,
			total:  total,
			fee:    fee,
			change: total - target - fee,
		}, nil

	default:
		if policy == BranchAndBound {
			inputs, ok := branchAndBound(
				pinned, pool, m, target, m.costOfChange(),
			)
			if ok {
				return changeless(inputs), nil
			}
		}

		inputs, total, ok := accumulate(
			pinned, arrange(pool, policy), covers,
		)
		if !ok {
			return nil, insufficient(total, len(inputs))
		}

		fee := m.fee(len(inputs), true)
		leftover := total - target - fee
		if leftover < m.dustLimit() {
			return changeless(inputs), nil
		}

		return &selection{
			inputs: inputs,
			total:  total,
			fee:    fee,
			change: leftover,
		}, nil
	}
}
