package whale

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ExchangeDirectory answers whether an address belongs to a known exchange.
type ExchangeDirectory interface {
	IsExchange(address string) bool
}

// DefaultExchanges lists well known exchange hot wallets by label.
var DefaultExchanges = map[string]string{
	"0x28C6c06298d514Db089934071355E5743bf21d60": "Binance 14",
	"0x9696f59E4d72E237BE84fFD425DCaD154Bf96976": "Coinbase 5",
	"0x6cc5f688a315f3dc28a7781717a9a798a59fda7b": "OKX",
}

// StaticDirectory is an in-memory ExchangeDirectory. Lookups are
// case-insensitive because addresses are compared in their 20-byte form.
type StaticDirectory struct {
	labels map[common.Address]string
}

// NewStaticDirectory builds a directory from address -> label pairs.
func NewStaticDirectory(entries map[string]string) (*StaticDirectory, error) {
	d := &StaticDirectory{labels: make(map[common.Address]string, len(entries))}
	for addr, label := range entries {
		if err := d.Add(addr, label); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// NewDefaultDirectory returns the built-in exchanges plus any extra addresses.
func NewDefaultDirectory(extra ...string) (*StaticDirectory, error) {
	d, err := NewStaticDirectory(DefaultExchanges)
	if err != nil {
		return nil, err
	}
	for _, addr := range extra {
		if err := d.Add(addr, "custom"); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Add registers an exchange address.
func (d *StaticDirectory) Add(address, label string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid exchange address %q", address)
	}
	d.labels[common.HexToAddress(address)] = label
	return nil
}

// IsExchange implements ExchangeDirectory.
func (d *StaticDirectory) IsExchange(address string) bool {
	_, ok := d.Label(address)
	return ok
}

// Label returns the exchange name for an address.
func (d *StaticDirectory) Label(address string) (string, bool) {
	if !common.IsHexAddress(address) {
		return "", false
	}
	label, ok := d.labels[common.HexToAddress(address)]
	return label, ok
}

// Len returns the number of known exchange addresses.
func (d *StaticDirectory) Len() int {
	return len(d.labels)
}
