package session

import (
	"fmt"
	"unicode/utf8"
)

// Cursor tells the UI where to put the caret after an operation.
type Cursor struct {
	TargetBlockID   string `json:"targetBlockId"`
	CharacterOffset int    `json:"characterOffset"`
}

// SplitText partitions text at offset, counted in characters. The caret
// lands at the start of the second half.
func SplitText(text string, offset int) (before, after string, caret int, err error) {
	n := utf8.RuneCountInString(text)
	if offset < 0 || offset > n {
		return "", "", 0, fmt.Errorf("split offset %d outside [0,%d]: %w", offset, n, ErrInvariantViolation)
	}
	r := []rune(text)
	return string(r[:offset]), string(r[offset:]), 0, nil
}

// MergeText joins two block texts; the caret lands at the seam.
func MergeText(prev, cur string) (merged string, caret int) {
	return prev + cur, utf8.RuneCountInString(prev)
}
