package amount

import (
	"database/sql/driver"
	"fmt"
	"strconv"
)

// Numeric adapts a base-unit amount to a NUMERIC(20,0) column. database/sql
// rejects uint64 arguments with the high bit set, so values travel as
// decimal text.
type Numeric uint64

// Value implements driver.Valuer.
func (n Numeric) Value() (driver.Value, error) {
	return strconv.FormatUint(uint64(n), 10), nil
}

// Scan implements sql.Scanner.
func (n *Numeric) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*n = 0
		return nil
	case int64:
		if v < 0 {
			return fmt.Errorf("amount: negative numeric %d", v)
		}
		*n = Numeric(v)
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("amount: cannot scan %T into Numeric", src)
	}
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("amount: scan numeric %q: %w", s, err)
	}
	*n = Numeric(u)
	return nil
}

// Scanner returns a sql.Scanner that writes into dst.
func Scanner(dst *uint64) *Numeric {
	return (*Numeric)(dst)
}
