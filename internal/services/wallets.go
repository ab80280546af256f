package services

import (
	"fmt"
	"regexp"
	"strings"

	"CFABridge/internal/models"
)

// AddressBook derives deposit addresses and validates user crypto addresses.
// chain.AddressDeriver implements it.
type AddressBook interface {
	Derive(index uint32) (string, error)
	Validate(addr string) error
}

var msisdnPattern = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

var mobileOperators = map[string]bool{
	"orange": true,
	"mtn":    true,
	"moov":   true,
	"wave":   true,
	"free":   true,
}

const defaultNetwork = "trc20"

// normalizeWallets checks that the wallet kinds match the direction and that
// each reference is well formed. It returns the wallets with providers
// lower-cased and defaults filled in.
func normalizeWallets(direction models.Direction, src, dst models.Wallet, addrs AddressBook) (models.Wallet, models.Wallet, error) {
	var err error
	switch direction {
	case models.FiatToCrypto:
		if src, err = normalizeMobile(src, "source"); err != nil {
			return src, dst, err
		}
		if dst, err = normalizeCrypto(dst, "destination", addrs); err != nil {
			return src, dst, err
		}
	case models.CryptoToFiat:
		if src, err = normalizeCrypto(src, "source", addrs); err != nil {
			return src, dst, err
		}
		if dst, err = normalizeMobile(dst, "destination"); err != nil {
			return src, dst, err
		}
	default:
		return src, dst, ErrInvalidDirection
	}
	return src, dst, nil
}

func normalizeMobile(w models.Wallet, side string) (models.Wallet, error) {
	if w.Kind != models.WalletMobileMoney {
		return w, fmt.Errorf("%w: %s must be a mobile money wallet", ErrInvalidWallet, side)
	}
	w.Reference = strings.ReplaceAll(strings.TrimSpace(w.Reference), " ", "")
	if !msisdnPattern.MatchString(w.Reference) {
		return w, fmt.Errorf("%w: %s phone number %q", ErrInvalidWallet, side, w.Reference)
	}
	w.Provider = strings.ToLower(strings.TrimSpace(w.Provider))
	if !mobileOperators[w.Provider] {
		return w, fmt.Errorf("%w: %s operator %q", ErrInvalidWallet, side, w.Provider)
	}
	return w, nil
}

func normalizeCrypto(w models.Wallet, side string, addrs AddressBook) (models.Wallet, error) {
	if w.Kind != models.WalletCrypto {
		return w, fmt.Errorf("%w: %s must be a crypto wallet", ErrInvalidWallet, side)
	}
	w.Reference = strings.TrimSpace(w.Reference)
	w.Provider = strings.ToLower(strings.TrimSpace(w.Provider))
	if w.Provider == "" {
		w.Provider = defaultNetwork
	}
	if w.Provider != defaultNetwork {
		return w, fmt.Errorf("%w: %s network %q", ErrInvalidWallet, side, w.Provider)
	}
	if addrs != nil {
		if err := addrs.Validate(w.Reference); err != nil {
			return w, fmt.Errorf("%w: %s: %v", ErrInvalidWallet, side, err)
		}
	}
	return w, nil
}
