package chain

import (
	"bytes"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testXPub(t *testing.T) string {
	t.Helper()
	master, err := hdkeychain.NewMaster(bytes.Repeat([]byte{7}, 32), &chaincfg.MainNetParams)
	require.NoError(t, err)
	pub, err := master.Neuter()
	require.NoError(t, err)
	return pub.String()
}

func TestDeriveTron(t *testing.T) {
	d := AddressDeriver{XPub: testXPub(t)}

	a0, err := d.Derive(0)
	require.NoError(t, err)
	a1, err := d.Derive(1)
	require.NoError(t, err)
	again, err := d.Derive(0)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a0, "T"), a0)
	assert.Len(t, a0, 34)
	assert.NotEqual(t, a0, a1)
	assert.Equal(t, a0, again)
	assert.NoError(t, ValidateTron(a0))
	assert.NoError(t, d.Validate(a1))
}

func TestDeriveBech32(t *testing.T) {
	d := AddressDeriver{XPub: testXPub(t), Format: FormatBech32, Prefix: "cosmos"}
	addr, err := d.Derive(3)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "cosmos1"), addr)
	assert.NoError(t, d.Validate(addr))
	assert.ErrorIs(t, ValidateBech32(addr, "osmo"), ErrInvalidAddress)

	_, err = AddressDeriver{XPub: testXPub(t), Format: FormatBech32}.Derive(0)
	assert.Error(t, err)
}

func TestDeriveErrors(t *testing.T) {
	_, err := AddressDeriver{}.Derive(0)
	assert.Error(t, err)
	_, err = AddressDeriver{XPub: "not-an-xpub"}.Derive(0)
	assert.Error(t, err)
	_, err = AddressDeriver{XPub: testXPub(t), Format: "evm"}.Derive(0)
	assert.Error(t, err)
}

func TestValidateTron(t *testing.T) {
	assert.ErrorIs(t, ValidateTron(""), ErrInvalidAddress)
	assert.ErrorIs(t, ValidateTron("T123"), ErrInvalidAddress)

	wrongVersion := base58.CheckEncode(bytes.Repeat([]byte{1}, 20), 0x00)
	assert.ErrorIs(t, ValidateTron(wrongVersion), ErrInvalidAddress)
	shortPayload := base58.CheckEncode(bytes.Repeat([]byte{1}, 19), tronVersion)
	assert.ErrorIs(t, ValidateTron(shortPayload), ErrInvalidAddress)
	good := base58.CheckEncode(bytes.Repeat([]byte{1}, 20), tronVersion)
	assert.NoError(t, ValidateTron(good))
}
