package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// ContentHash digests the mutable fields of an expense. Ordinary expenses
// hash over amount, tag, timestamp and image path only; travel fields and
// the note are added when present. Every field is length-prefixed so free
// text cannot shift content between fields.
func ContentHash(e *Expense) string {
	h := sha256.New()
	field := func(s string) {
		fmt.Fprintf(h, "%d:%s", len(s), s)
	}

	field(strconv.FormatFloat(e.Amount, 'f', -1, 64))
	field(e.Tag)
	field(strconv.FormatInt(e.Timestamp.UnixMilli(), 10))
	field(e.ImagePath)

	if e.IsTravel() {
		field("dest")
		field(strconv.FormatFloat(*e.DestinationAmount, 'f', -1, 64))
		field(e.DestinationCurrency)
	}
	if e.Note != "" {
		field("note")
		field(e.Note)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// ChainHash extends a change-log chain by one entry.
func ChainHash(prev string, action SyncAction, contentHash string) string {
	sum := sha256.Sum256([]byte(prev + ":" + string(action) + ":" + contentHash))
	return hex.EncodeToString(sum[:])
}
