// Package refnum generates human-scannable reference numbers for
// purchase orders and adjustments (e.g. "PO-20260831-3f9a1c2d").
package refnum

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

func New(prefix string) string {
	now := time.Now().UTC()
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%s-%d", prefix, now.Format("20060102"), now.UnixNano())
	}
	return fmt.Sprintf("%s-%s-%s", prefix, now.Format("20060102"), hex.EncodeToString(buf))
}
