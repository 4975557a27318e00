// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"net/http"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/hdwallet/chain"
	"github.com/btcsuite/hdwallet/chainfee"
	"github.com/btcsuite/hdwallet/internal/cfgutil"
	"github.com/btcsuite/hdwallet/mnemonic"
	"github.com/btcsuite/hdwallet/pkg/unit"
	"github.com/btcsuite/hdwallet/txbuilder"
	"github.com/btcsuite/hdwallet/wallet"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultConfTarget is the confirmation target used by send when no fee rate
// is given.
const defaultConfTarget = 6

// stdout receives command results.  Logs go to standard error.
var stdout io.Writer = os.Stdout

// command is a subcommand that registers itself on the parser.
type command interface {
	flags.Commander

	Register(parser *flags.Parser) error
}

// registerCommands adds every subcommand to the parser.
func registerCommands(parser *flags.Parser, cfg *config) error {
	commands := []command{
		&syncCommand{cfg: cfg},
		&balanceCommand{cfg: cfg, Unit: "btc"},
		&addressCommand{cfg: cfg},
		&historyCommand{cfg: cfg, Take: 20, Unit: "btc"},
		&sendCommand{cfg: cfg, CoinSelection: "bnb", Change: "allowed"},
		&feesCommand{cfg: cfg},
		&mnemonicCommand{cfg: cfg, Words: 12},
	}
	for _, c := range commands {
		if err := c.Register(parser); err != nil {
			return err
		}
	}

	return nil
}

// formatAmount renders an amount in the given unit.
func formatAmount(amt btcutil.Amount, u unit.BitcoinUnit) string {
	d, err := unit.FromAmount(amt, u)
	if err != nil {
		return amt.String()
	}

	return d.String() + " " + u.String()
}

type syncCommand struct {
	cfg *config

	Full          bool   `long:"full" description:"Rescan the account from index zero"`
	Watch         bool   `long:"watch" description:"Keep syncing in the background until interrupted"`
	MetricsListen string `long:"metricslisten" description:"Serve Prometheus metrics on this interface/port while watching"`
}

func (x *syncCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"sync",
		"Sync the account with the ledger",
		"Runs a full sync the first time and a partial sync of the "+
			"known addresses afterwards; with --watch the account "+
			"is kept in sync until the program is interrupted",
		x,
	)
	return err
}

func (x *syncCommand) Execute(_ []string) error {
	s, err := openSession(x.cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ledger, err := s.ledger()
	if err != nil {
		return err
	}

	ctx, cancel := interruptContext()
	defer cancel()

	stopGap := fn.None[int]()
	if x.cfg.StopGap > 0 {
		stopGap = fn.Some(x.cfg.StopGap)
	}

	engine := chain.NewEngine(chain.EngineConfig{Ledger: ledger})

	var registerer prometheus.Registerer
	if x.MetricsListen != "" {
		registerer = prometheus.DefaultRegisterer
	}
	syncer, err := chain.NewSyncer(chain.SyncerConfig{
		Engine:     engine,
		StopGap:    stopGap,
		Registerer: registerer,
	})
	if err != nil {
		return err
	}

	if x.Full {
		update, err := engine.FullSync(ctx, s.account, stopGap)
		if err != nil {
			return err
		}
		if err := s.account.ApplyUpdate(update); err != nil {
			return err
		}
		printSyncResult(&chain.SyncResult{
			Kind:   chain.SyncFull,
			Update: update,
		})
	} else {
		res, err := syncer.Sync(ctx, s.account)
		if err != nil {
			return err
		}
		printSyncResult(res)
	}

	if !x.Watch {
		return nil
	}

	if x.MetricsListen != "" {
		go func() {
			log.Infof("Metrics server listening on %s",
				x.MetricsListen)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Errorf("%v", http.ListenAndServe(x.MetricsListen, mux))
		}()
	}

	syncer.Watch(s.account)
	if err := syncer.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	return syncer.Stop()
}

func printSyncResult(res *chain.SyncResult) {
	if res.Update == nil {
		fmt.Fprintf(stdout, "%s sync: already up to date\n", res.Kind)
		return
	}

	u := res.Update
	tip := "unchanged"
	u.Checkpoint.WhenSome(func(cp chain.BlockStamp) {
		tip = fmt.Sprintf("%d (%v)", cp.Height, cp.Hash)
	})
	fmt.Fprintf(stdout, "%s sync: %d transactions, %d new utxos, "+
		"%d spent utxos, tip %s\n", res.Kind, len(u.Txs),
		len(u.AddUtxos), len(u.RemoveUtxos), tip)
}

type balanceCommand struct {
	cfg *config

	Unit string `long:"unit" description:"Display unit" choice:"btc" choice:"mbtc" choice:"sat"`
}

func (x *balanceCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"balance",
		"Show the account balance",
		"Shows the balance of the last synced state split by "+
			"confirmation status",
		x,
	)
	return err
}

func (x *balanceCommand) Execute(_ []string) error {
	u, err := unit.ParseBitcoinUnit(x.Unit)
	if err != nil {
		return err
	}

	s, err := openSession(x.cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	bal, err := s.account.Balance()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Confirmed\t%s\n", formatAmount(bal.Confirmed, u))
	fmt.Fprintf(tw, "Trusted pending\t%s\n",
		formatAmount(bal.TrustedPending, u))
	fmt.Fprintf(tw, "Untrusted pending\t%s\n",
		formatAmount(bal.UntrustedPending, u))
	fmt.Fprintf(tw, "Immature\t%s\n", formatAmount(bal.Immature, u))
	fmt.Fprintf(tw, "Total\t%s\n", formatAmount(bal.Total(), u))

	return tw.Flush()
}

type addressCommand struct {
	cfg *config

	Index       *uint32             `short:"i" long:"index" description:"External address index (default: next unused)"`
	Amount      *cfgutil.AmountFlag `long:"amount" description:"Requested amount for a payment URI"`
	Label       string              `long:"label" description:"Label for a payment URI"`
	Message     string              `long:"message" description:"Message for a payment URI"`
	Descriptors bool                `long:"descriptors" description:"Show the account descriptors instead"`
}

func (x *addressCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"address",
		"Show a receive address",
		"Shows the next unused receive address, or the one at "+
			"--index; a BIP21 payment URI is shown when an "+
			"amount, label or message is given",
		x,
	)
	return err
}

func (x *addressCommand) Execute(_ []string) error {
	s, err := openSession(x.cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if x.Descriptors {
		external, internal := s.account.Descriptors()
		fmt.Fprintln(stdout, external.String())
		fmt.Fprintln(stdout, internal.String())
		return nil
	}

	index := fn.None[uint32]()
	if x.Index != nil {
		index = fn.Some(*x.Index)
	}
	info, err := s.account.Address(index)
	if err != nil {
		return err
	}

	if x.Amount == nil && x.Label == "" && x.Message == "" {
		fmt.Fprintf(stdout, "%s\t%v\n", info.Address, info.Path)
		return nil
	}

	amount := fn.None[btcutil.Amount]()
	if x.Amount != nil {
		amount = fn.Some(x.Amount.Amount)
	}
	uri, err := s.account.PaymentURI(
		fn.Some(info.Index), amount, x.Label, x.Message,
	)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, uri)

	return nil
}

type historyCommand struct {
	cfg *config

	Skip     uint32 `long:"skip" description:"Transactions to skip"`
	Take     uint32 `long:"take" description:"Transactions to show (0 for all)"`
	Unsorted bool   `long:"unsorted" description:"Order by txid instead of newest first"`
	TxID     string `long:"txid" description:"Show the inputs and outputs of one transaction"`
	Unit     string `long:"unit" description:"Display unit" choice:"btc" choice:"mbtc" choice:"sat"`
}

func (x *historyCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"history",
		"List account transactions",
		"Lists the transactions of the last synced state, newest "+
			"first",
		x,
	)
	return err
}

// formatTime renders a confirmed or unconfirmed transaction time.
func formatTime(t wallet.TxTime) string {
	switch t := t.(type) {
	case wallet.ConfirmedTime:
		return fmt.Sprintf("%s (height %d)",
			t.Time.UTC().Format("2006-01-02 15:04"), t.Height)

	case wallet.UnconfirmedTime:
		return fmt.Sprintf("unconfirmed, seen %s",
			t.LastSeen.UTC().Format("2006-01-02 15:04"))

	default:
		return "unknown"
	}
}

func (x *historyCommand) Execute(_ []string) error {
	u, err := unit.ParseBitcoinUnit(x.Unit)
	if err != nil {
		return err
	}

	s, err := openSession(x.cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if x.TxID != "" {
		txid, err := chainhash.NewHashFromStr(x.TxID)
		if err != nil {
			return err
		}
		tx, err := s.account.Transaction(*txid)
		if err != nil {
			return err
		}
		return printDetailedTransaction(tx, u)
	}

	// A zero take lists everything after the skipped entries.
	window := fn.None[wallet.Pagination]()
	if x.Take > 0 || x.Skip > 0 {
		take := x.Take
		if take == 0 {
			take = math.MaxUint32
		}
		window = fn.Some(wallet.Pagination{Skip: x.Skip, Take: take})
	}

	txs, err := s.account.Transactions(window, !x.Unsorted)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TXID\tNET\tFEE\tTIME")
	for _, tx := range txs {
		fee := fn.MapOptionZ(tx.Fee, func(f btcutil.Amount) string {
			return formatAmount(f, u)
		})
		fmt.Fprintf(tw, "%v\t%s\t%s\t%s\n", tx.TxID,
			formatAmount(tx.Net, u), fee, formatTime(tx.Time))
	}

	return tw.Flush()
}

func printDetailedTransaction(tx *wallet.DetailedTransaction,
	u unit.BitcoinUnit) error {

	mine := func(ok bool) string {
		if ok {
			return "mine"
		}
		return ""
	}
	addrString := func(addr fn.Option[btcutil.Address]) string {
		return fn.MapOptionZ(addr, func(a btcutil.Address) string {
			return a.EncodeAddress()
		})
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Transaction\t%v\n", tx.TxID)
	fmt.Fprintf(tw, "Time\t%s\n", formatTime(tx.Time))
	fmt.Fprintf(tw, "Received\t%s\n", formatAmount(tx.Received, u))
	fmt.Fprintf(tw, "Sent\t%s\n", formatAmount(tx.Sent, u))
	fmt.Fprintf(tw, "Net\t%s\n", formatAmount(tx.Net, u))
	tx.Fee.WhenSome(func(fee btcutil.Amount) {
		fmt.Fprintf(tw, "Fee\t%s\n", formatAmount(fee, u))
	})

	fmt.Fprintln(tw, "\nInputs")
	for _, in := range tx.Inputs {
		value := fn.MapOptionZ(in.Value, func(v btcutil.Amount) string {
			return formatAmount(v, u)
		})
		fmt.Fprintf(tw, "%v\t%s\t%s\t%s\n", in.PreviousOutPoint,
			addrString(in.Address), value, mine(in.IsMine))
	}

	fmt.Fprintln(tw, "\nOutputs")
	for _, out := range tx.Outputs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", out.Index,
			addrString(out.Address), formatAmount(out.Value, u),
			mine(out.IsMine))
	}

	return tw.Flush()
}

type sendCommand struct {
	cfg *config

	To             []string            `long:"to" description:"Recipient as address=amount, amount in BTC unless suffixed with a unit; may be repeated" required:"true"`
	FeeRate        cfgutil.FeeRateFlag `long:"feerate" description:"Fee rate in sat/vB (default: estimated for --conftarget)"`
	ConfTarget     uint32              `long:"conftarget" description:"Confirmation target in blocks used to estimate the fee rate"`
	CoinSelection  string              `long:"coinselection" description:"Coin selection policy" choice:"bnb" choice:"largest" choice:"oldest" choice:"manual"`
	Change         string              `long:"change" description:"Change policy" choice:"allowed" choice:"only" choice:"forbidden"`
	Utxos          []string            `long:"utxo" description:"Outpoint txid:index that must be spent; may be repeated"`
	MaxFeeDonation *cfgutil.AmountFlag `long:"maxfeedonation" description:"Excess that may go to fees when change is forbidden"`
	RBF            bool                `long:"rbf" description:"Signal replaceability"`
	Locktime       *uint32             `long:"locktime" description:"Transaction locktime"`
	PSBTOnly       bool                `long:"psbt" description:"Print the unsigned PSBT instead of signing and broadcasting"`
	Yes            bool                `short:"y" long:"yes" description:"Broadcast without asking for confirmation"`
}

func (x *sendCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"send",
		"Send bitcoin",
		"Builds a transaction paying the recipients from the "+
			"account, signs it and broadcasts it after "+
			"confirmation",
		x,
	)
	return err
}

var coinSelections = map[string]txbuilder.CoinSelection{
	"bnb":     txbuilder.BranchAndBound,
	"largest": txbuilder.LargestFirst,
	"oldest":  txbuilder.OldestFirst,
	"manual":  txbuilder.Manual,
}

var changePolicies = map[string]txbuilder.ChangePolicy{
	"allowed":   txbuilder.ChangeAllowed,
	"only":      txbuilder.OnlyChange,
	"forbidden": txbuilder.ChangeForbidden,
}

// parseRecipient splits an address=amount pair.
func parseRecipient(account *wallet.Account, s string) (btcutil.Address,
	btcutil.Amount, error) {

	addrStr, amountStr, ok := strings.Cut(s, "=")
	if !ok {
		return nil, 0, fmt.Errorf("recipient %q is not address=amount",
			s)
	}

	addr, err := account.ParseAddress(strings.TrimSpace(addrStr))
	if err != nil {
		return nil, 0, err
	}
	amount, err := cfgutil.ParseAmount(amountStr)
	if err != nil {
		return nil, 0, fmt.Errorf("recipient %s amount: %w", addrStr,
			err)
	}

	return addr, amount, nil
}

// builder turns the options into a transaction builder bound to account.
func (x *sendCommand) builder(account *wallet.Account,
	feeRate unit.SatPerVByte) (txbuilder.Builder, error) {

	b := txbuilder.New().SetAccount(account).SetFeeRate(feeRate)

	for _, to := range x.To {
		addr, amount, err := parseRecipient(account, to)
		if err != nil {
			return b, err
		}
		b = b.AddRecipient(fn.Some(addr), fn.Some(amount))
	}

	for _, utxo := range x.Utxos {
		op, err := wire.NewOutPointFromString(utxo)
		if err != nil {
			return b, fmt.Errorf("utxo %q: %w", utxo, err)
		}
		b = b.AddUtxoToSpend(*op)
	}

	b = b.SetCoinSelection(coinSelections[x.CoinSelection]).
		SetChangePolicy(changePolicies[x.Change])
	if x.MaxFeeDonation != nil {
		b = b.SetMaxFeeDonation(x.MaxFeeDonation.Amount)
	}
	if x.RBF {
		b = b.EnableRBF()
	}
	if x.Locktime != nil {
		b = b.AddLocktime(*x.Locktime)
	}

	return b, nil
}

// packetFee is the value of the inputs not paid to outputs.
func packetFee(packet *psbt.Packet) (btcutil.Amount, error) {
	var in, out btcutil.Amount
	for i, pIn := range packet.Inputs {
		switch {
		case pIn.WitnessUtxo != nil:
			in += btcutil.Amount(pIn.WitnessUtxo.Value)

		case pIn.NonWitnessUtxo != nil:
			op := packet.UnsignedTx.TxIn[i].PreviousOutPoint
			if int(op.Index) >= len(pIn.NonWitnessUtxo.TxOut) {
				return 0, fmt.Errorf("input %d: bad utxo", i)
			}
			in += btcutil.Amount(
				pIn.NonWitnessUtxo.TxOut[op.Index].Value,
			)

		default:
			return 0, fmt.Errorf("input %d: missing utxo", i)
		}
	}
	for _, txOut := range packet.UnsignedTx.TxOut {
		out += btcutil.Amount(txOut.Value)
	}

	return in - out, nil
}

func (x *sendCommand) Execute(_ []string) error {
	s, err := openSession(x.cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ledger, err := s.ledger()
	if err != nil {
		return err
	}

	ctx, cancel := interruptContext()
	defer cancel()

	feeRate := x.FeeRate.SatPerVByte
	if !x.FeeRate.IsSet() {
		target := x.ConfTarget
		if target == 0 {
			target = defaultConfTarget
		}

		oracle := chainfee.NewLedgerOracle(chainfee.LedgerConfig{
			Source: ledger,
		})
		feeRate, err = oracle.EstimateFeeRate(ctx, target)
		if err != nil {
			return fmt.Errorf("estimate fee rate: %w", err)
		}
		floor, err := oracle.MempoolMinFee(ctx)
		if err != nil {
			return fmt.Errorf("mempool min fee: %w", err)
		}
		feeRate = feeRate.Max(floor)

		log.Infof("Using fee rate %v for a %d block target", feeRate,
			target)
	}

	b, err := x.builder(s.account, feeRate)
	if err != nil {
		return err
	}
	packet, err := b.CreatePSBT(x.cfg.net)
	if err != nil {
		return err
	}

	fee, err := packetFee(packet)
	if err != nil {
		return err
	}

	if x.PSBTOnly {
		encoded, err := packet.B64Encode()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, encoded)
		return nil
	}

	if _, err := s.account.Sign(packet, wallet.SignOptions{}); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Transaction %v: %d inputs, %d outputs, fee %v "+
		"at %v\n", packet.UnsignedTx.TxHash(), len(packet.Inputs),
		len(packet.Outputs), fee, feeRate)

	if !x.Yes {
		ok, err := s.prompter.Confirm("Broadcast the transaction?",
			false)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("transaction not broadcast")
		}
	}

	txid, err := s.account.Broadcast(ctx, ledger, packet)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, txid)

	return nil
}

type feesCommand struct {
	cfg *config

	Target uint32 `long:"target" description:"Only show the fee rate for this confirmation target"`
}

func (x *feesCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"fees",
		"Show fee rate estimates",
		"Shows the ledger fee rate estimates by confirmation target "+
			"and the mempool fee floors",
		x,
	)
	return err
}

func (x *feesCommand) Execute(_ []string) error {
	ledger, err := newLedger(x.cfg)
	if err != nil {
		return err
	}

	ctx, cancel := interruptContext()
	defer cancel()

	oracle := chainfee.NewLedgerOracle(chainfee.LedgerConfig{
		Source: ledger,
	})

	if x.Target != 0 {
		rate, err := oracle.EstimateFeeRate(ctx, x.Target)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, rate)
		return nil
	}

	estimates, err := oracle.FeeEstimates(ctx)
	if err != nil {
		return err
	}
	floor, err := oracle.MempoolMinFee(ctx)
	if err != nil {
		return err
	}
	incr, err := oracle.MinReplacementFee(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, target := range slices.Sorted(maps.Keys(estimates)) {
		fmt.Fprintf(tw, "%d blocks\t%v\n", target, estimates[target])
	}
	fmt.Fprintf(tw, "Mempool minimum\t%v\n", floor)
	fmt.Fprintf(tw, "Replacement increment\t%v\n", incr)

	return tw.Flush()
}

type mnemonicCommand struct {
	cfg *config

	Words int `long:"words" description:"Number of words" choice:"12" choice:"15" choice:"18" choice:"21" choice:"24"`
}

func (x *mnemonicCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"mnemonic",
		"Generate a new mnemonic",
		"Generates a new BIP39 mnemonic in the configured language; "+
			"write it down, it is never stored",
		x,
	)
	return err
}

func (x *mnemonicCommand) Execute(_ []string) error {
	words, err := mnemonic.Generate(x.Words, x.cfg.lang)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, words)

	return nil
}

var _ chain.SyncTarget = (*wallet.Account)(nil)
