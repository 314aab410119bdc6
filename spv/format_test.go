package spv

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pterm/pterm"
	"github.com/stretchr/testify/require"
)

func TestFormatTransaction(t *testing.T) {
	pterm.DisableStyling()
	defer pterm.EnableStyling()

	p := testProof(t)
	out, err := FormatTransaction(p, &chaincfg.MainNetParams)
	require.NoError(t, err)

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(p.Tx.TxOut[0].PkScript, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Len(t, addrs, 1)

	for _, expected := range []string{
		p.Tx.TxHash().String(),
		p.Header.BlockHash().String(),
		"7 (13 confirmations)",
		addrs[0].EncodeAddress(),
		btcutil.Amount(p.Tx.TxOut[0].Value).String(),
		"OP_DUP OP_HASH160",
		"block height 7",
	} {
		require.True(t, strings.Contains(out, expected), "missing %q in\n%s", expected, out)
	}

	p.Tx = nil
	_, err = FormatTransaction(p, nil)
	require.Error(t, err)
}

func TestDescribeLockTime(t *testing.T) {
	require.Equal(t, "block height 100", describeLockTime(100))
	require.Equal(t, "unix timestamp 1231006505 (2009-01-03T18:15:05Z)", describeLockTime(1231006505))
}
