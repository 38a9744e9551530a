package ledger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeHolder AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Holder sub-types
	SubTypeAvailable AccountSubType = iota

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// Asset metadata keyed by token address. Paths render the symbol when known.
type AssetInfo struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

var (
	assetMu       sync.RWMutex
	assetByAddr   = map[common.Address]AssetInfo{}
	assetBySymbol = map[string]common.Address{}
)

// RegisterAsset records display metadata for a token. Re-registering an
// address replaces its entry.
func RegisterAsset(addr common.Address, symbol string, decimals uint8) {
	assetMu.Lock()
	defer assetMu.Unlock()
	if prev, ok := assetByAddr[addr]; ok {
		delete(assetBySymbol, prev.Symbol)
	}
	assetByAddr[addr] = AssetInfo{Address: addr, Symbol: symbol, Decimals: decimals}
	if symbol != "" {
		assetBySymbol[symbol] = addr
	}
}

func GetAsset(addr common.Address) (AssetInfo, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	info, ok := assetByAddr[addr]
	return info, ok
}

func GetAssetBySymbol(symbol string) (common.Address, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	addr, ok := assetBySymbol[symbol]
	return addr, ok
}

// AssetName returns the registered symbol or the checksummed address.
func AssetName(addr common.Address) string {
	if info, ok := GetAsset(addr); ok && info.Symbol != "" {
		return info.Symbol
	}
	return addr.Hex()
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	Holder  common.Address // zero for external accounts
	SubType AccountSubType
	Asset   common.Address
}

// NewHolderAccountKey creates a key for a wallet or contract balance
func NewHolderAccountKey(holder, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeHolder,
		Holder:  holder,
		SubType: SubTypeAvailable,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeHolder:
		return fmt.Sprintf("holder:%s:%s:%s", k.Holder.Hex(), k.subTypeName(), AssetName(k.Asset))
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), AssetName(k.Asset))
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 4 && parts[0] == "holder":
		if !common.IsHexAddress(parts[1]) {
			return AccountKey{}, fmt.Errorf("account path %q: invalid holder", path)
		}
		asset, err := parseAsset(parts[3])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		return NewHolderAccountKey(common.HexToAddress(parts[1]), asset), nil
	case len(parts) == 3 && parts[0] == "external":
		asset, err := parseAsset(parts[2])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		switch parts[1] {
		case "deposits":
			return NewExternalAccountKey(SubTypeExternalDeposits, asset), nil
		case "withdrawals":
			return NewExternalAccountKey(SubTypeExternalWithdrawals, asset), nil
		}
	}
	return AccountKey{}, fmt.Errorf("account path %q: unrecognized format", path)
}

func parseAsset(s string) (common.Address, error) {
	if addr, ok := GetAssetBySymbol(s); ok {
		return addr, nil
	}
	if common.IsHexAddress(s) {
		return common.HexToAddress(s), nil
	}
	return common.Address{}, fmt.Errorf("unknown asset %q", s)
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
