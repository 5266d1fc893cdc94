// Package pagination provides opaque cursors over lists ordered by an
// increasing numeric ID, such as an account's claims.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// Limits applied by Page.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidCursor is returned for cursors that fail to decode or that
// were issued for a different list.
var ErrInvalidCursor = errors.New("invalid cursor")

// Encode returns an opaque cursor that resumes after id. scope names the
// list so a claims cursor cannot be replayed against another listing.
func Encode(scope string, id uint64) string {
	raw := scope + "|" + strconv.FormatUint(id, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor for scope. An empty cursor means start from the
// beginning and yields ok == false.
func Decode(scope, s string) (after uint64, ok bool, err error) {
	if s == "" {
		return 0, false, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, false, ErrInvalidCursor
	}
	gotScope, idPart, found := strings.Cut(string(raw), "|")
	if !found || gotScope != scope {
		return 0, false, ErrInvalidCursor
	}
	after, err = strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return 0, false, ErrInvalidCursor
	}
	return after, true, nil
}

// Page returns up to limit items whose key is greater than the cursor's,
// plus the cursor for the next page ("" when there is none). items must be
// sorted by key ascending. A non-positive limit means DefaultLimit.
func Page[T any](items []T, scope, cursor string, limit int, key func(T) uint64) ([]T, string, error) {
	after, ok, err := Decode(scope, cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	start := 0
	if ok {
		for start < len(items) && key(items[start]) <= after {
			start++
		}
	}
	items = items[start:]
	if len(items) <= limit {
		return items, "", nil
	}
	items = items[:limit]
	return items, Encode(scope, key(items[len(items)-1])), nil
}
