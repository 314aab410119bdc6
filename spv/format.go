package spv

import (
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pterm/pterm"
)

// lockTimeThreshold is where lock times stop being heights and become unix
// timestamps.
const lockTimeThreshold = 500000000

func outputAddress(pkScript []byte, params *chaincfg.Params) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil || len(addrs) == 0 {
		return "(non-standard)"
	}
	encoded := make([]string, len(addrs))
	for i, addr := range addrs {
		encoded[i] = addr.EncodeAddress()
	}
	return strings.Join(encoded, ", ")
}

func inputOrigin(in *wire.TxIn) string {
	if in.PreviousOutPoint.Hash == (wire.OutPoint{}).Hash && in.PreviousOutPoint.Index == wire.MaxPrevOutIndex {
		return "coinbase"
	}
	return in.PreviousOutPoint.String()
}

func describeLockTime(lockTime uint32) string {
	if lockTime < lockTimeThreshold {
		return fmt.Sprintf("block height %d", lockTime)
	}
	return fmt.Sprintf("unix timestamp %d (%s)", lockTime,
		time.Unix(int64(lockTime), 0).UTC().Format(time.RFC3339))
}

// FormatTransaction renders the transaction of a verified proof for a
// terminal.
func FormatTransaction(p *CompressedProof, params *chaincfg.Params) (string, error) {
	tx := p.Tx
	if tx == nil {
		return "", fmt.Errorf("no transaction")
	}
	if params == nil {
		params = &chaincfg.MainNetParams
	}

	rows := [][]string{{"", "Input / Output", "Amount"}}
	for i, in := range tx.TxIn {
		rows = append(rows, []string{fmt.Sprintf("in %d", i), inputOrigin(in), ""})
	}
	var total btcutil.Amount
	for i, out := range tx.TxOut {
		amount := btcutil.Amount(out.Value)
		total += amount
		rows = append(rows, []string{
			fmt.Sprintf("out %d", i), outputAddress(out.PkScript, params), amount.String(),
		})
		if asm, err := txscript.DisasmString(out.PkScript); err == nil && asm != "" {
			rows = append(rows, []string{"", pterm.FgGray.Sprint(asm), ""})
		}
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", pterm.FgYellow.Sprint("TXID:"), tx.TxHash())
	fmt.Fprintf(&b, "%s %s\n", pterm.FgYellow.Sprint("Block:"), p.Header.BlockHash())
	fmt.Fprintf(&b, "%s %d (%d confirmations)\n\n", pterm.FgYellow.Sprint("Height:"),
		p.BlockHeight(), p.Confirmations())
	b.WriteString(table)
	fmt.Fprintf(&b, "\nTotal output: %s\n", total)
	if tx.LockTime != 0 {
		fmt.Fprintf(&b, "Lock time: %s\n", describeLockTime(tx.LockTime))
	}
	fmt.Fprintf(&b, "Version: %d\n", tx.Version)
	fmt.Fprintf(&b, "Size: %d bytes\n", tx.SerializeSize())
	if tx.HasWitness() {
		fmt.Fprintf(&b, "Virtual size: %d vbytes\n", (tx.SerializeSizeStripped()*3+tx.SerializeSize()+3)/4)
	}

	return pterm.DefaultBox.WithTitle("Bitcoin Transaction").WithTitleTopLeft().Sprint(b.String()), nil
}
