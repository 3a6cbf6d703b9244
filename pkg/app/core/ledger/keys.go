package ledger

import (
	"bytes"
	"fmt"
)

// Pebble key schema
// Balance rows are prefix-scanned at startup; on-ramp txn ids are point lookups.
const (
	prefixBalance = "bal:" // bal:{user}:{asset}
	prefixTxn     = "txn:" // txn:{txnID}
)

// balanceKey returns the key for one balance row
// Format: "bal:{user}:{asset}"
// Example: "bal:alice:USDC"
func balanceKey(k Key) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, k.UserID, k.Asset))
}

// txnKey returns the key marking an applied on-ramp transaction
func txnKey(txnID string) []byte {
	return []byte(prefixTxn + txnID)
}

// balanceKeyFromBytes is the inverse of balanceKey. User ids may contain ':',
// asset symbols may not, so the asset is everything after the last separator.
func balanceKeyFromBytes(key []byte) (Key, error) {
	if !bytes.HasPrefix(key, []byte(prefixBalance)) {
		return Key{}, fmt.Errorf("not a balance key: %q", key)
	}
	rest := key[len(prefixBalance):]
	i := bytes.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return Key{}, fmt.Errorf("malformed balance key: %q", key)
	}
	return Key{UserID: string(rest[:i]), Asset: string(rest[i+1:])}, nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "bal:" -> upper bound "bal;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
