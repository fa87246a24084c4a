package chat

import (
	"github.com/canopy-network/chatindex/pkg/chat/types"
)

// Key layout. Components are separated by a NUL byte, which never appears in addresses.
//
//	t\x00<thread key>                      -> thread summary (JSON)
//	e\x00<thread key>\x00<ordering key>    -> timeline entry (JSON)
//	a\x00<address>\x00<thread key>         -> empty (account index)
//	x\x00<tx id>                           -> thread key (processed ids)
//	k\x00<address>                         -> public key
//	m\x00cursor                            -> last ingested height (big endian)
const sep = "\x00"

const (
	prefixThread  = "t" + sep
	prefixEntry   = "e" + sep
	prefixAccount = "a" + sep
	prefixTx      = "x" + sep
	prefixPubKey  = "k" + sep
	keyCursor     = "m" + sep + "cursor"
)

func threadKey(k types.ThreadKey) []byte {
	return []byte(prefixThread + string(k))
}

func entryPrefix(k types.ThreadKey) []byte {
	return []byte(prefixEntry + string(k) + sep)
}

func entryKey(k types.ThreadKey, order types.OrderingKey) []byte {
	return append(entryPrefix(k), order.String()...)
}

func accountPrefix(address string) []byte {
	return []byte(prefixAccount + address + sep)
}

func accountKey(address string, k types.ThreadKey) []byte {
	return append(accountPrefix(address), k...)
}

func txKey(id string) []byte {
	return []byte(prefixTx + id)
}

func pubKeyKey(address string) []byte {
	return []byte(prefixPubKey + address)
}

// upperBound returns the smallest key greater than every key starting with prefix.
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
