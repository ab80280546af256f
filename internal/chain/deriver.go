// Package chain derives per-transaction deposit addresses from an extended
// public key and validates user supplied crypto addresses.
package chain

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"
)

const (
	FormatTron   = "tron"
	FormatBech32 = "bech32"

	tronVersion = 0x41
)

var ErrInvalidAddress = errors.New("invalid address")

type AddressDeriver struct {
	XPub   string
	Format string
	// Prefix is the human readable part for bech32 addresses.
	Prefix string
}

// Derive expects XPub at the account level (m/44'/195'/0'/0 for tron) and
// derives child index i.
func (d AddressDeriver) Derive(index uint32) (string, error) {
	if d.XPub == "" {
		return "", errors.New("xpub is not configured")
	}

	key, err := hdkeychain.NewKeyFromString(d.XPub)
	if err != nil {
		return "", err
	}
	child, err := key.Derive(index)
	if err != nil {
		return "", err
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}

	switch d.format() {
	case FormatTron:
		hash := sha3.NewLegacyKeccak256()
		_, _ = hash.Write(pubKey.SerializeUncompressed()[1:])
		sum := hash.Sum(nil)
		return base58.CheckEncode(sum[len(sum)-20:], tronVersion), nil
	case FormatBech32:
		if d.Prefix == "" {
			return "", errors.New("bech32 prefix is not configured")
		}
		hash := sha256.Sum256(pubKey.SerializeCompressed())
		rip := ripemd160.New()
		_, _ = rip.Write(hash[:])
		converted, err := bech32.ConvertBits(rip.Sum(nil), 8, 5, true)
		if err != nil {
			return "", err
		}
		return bech32.Encode(d.Prefix, converted)
	default:
		return "", fmt.Errorf("unknown address format %q", d.Format)
	}
}

func (d AddressDeriver) format() string {
	if d.Format == "" {
		return FormatTron
	}
	return d.Format
}

// ValidateTron checks a base58check TRON address.
func ValidateTron(addr string) error {
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if version != tronVersion || len(payload) != 20 {
		return fmt.Errorf("%w: not a tron address", ErrInvalidAddress)
	}
	return nil
}

// ValidateBech32 checks a bech32 address with the given prefix.
func ValidateBech32(addr, prefix string) error {
	hrp, _, err := bech32.Decode(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if prefix != "" && hrp != prefix {
		return fmt.Errorf("%w: prefix %q", ErrInvalidAddress, hrp)
	}
	return nil
}

// Validate checks addr against the deriver's address format.
func (d AddressDeriver) Validate(addr string) error {
	switch d.format() {
	case FormatTron:
		return ValidateTron(addr)
	case FormatBech32:
		return ValidateBech32(addr, d.Prefix)
	}
	return fmt.Errorf("unknown address format %q", d.Format)
}
