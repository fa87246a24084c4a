package types

import (
	"fmt"
	"strings"
)

// OrderingKey totally orders timeline entries by confirmation: block height,
// then position inside the block, then transaction id.
type OrderingKey struct {
	Height uint64 `json:"height"`
	Index  uint32 `json:"index"`
	TxID   string `json:"txId"`
}

// Compare returns -1, 0 or 1.
func (k OrderingKey) Compare(o OrderingKey) int {
	switch {
	case k.Height < o.Height:
		return -1
	case k.Height > o.Height:
		return 1
	case k.Index < o.Index:
		return -1
	case k.Index > o.Index:
		return 1
	}
	return strings.Compare(k.TxID, o.TxID)
}

// Less reports whether k sorts before o.
func (k OrderingKey) Less(o OrderingKey) bool {
	return k.Compare(o) < 0
}

// String encodes the key in a fixed-width form whose byte order matches Compare.
func (k OrderingKey) String() string {
	return fmt.Sprintf("%020d.%010d.%s", k.Height, k.Index, k.TxID)
}
