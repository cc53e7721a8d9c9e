package transfer

import (
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var errUnencodableKey = errors.New("key value has no text form")

// encodeKey renders a primary key value in a text form the server casts
// back to the same value.
func encodeKey(v any) (string, error) {
	switch k := v.(type) {
	case nil:
		return "", fmt.Errorf("%w: null", errUnencodableKey)
	case string:
		return k, nil
	case int:
		return strconv.Itoa(k), nil
	case int16:
		return strconv.FormatInt(int64(k), 10), nil
	case int32:
		return strconv.FormatInt(int64(k), 10), nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	case uint32:
		return strconv.FormatUint(uint64(k), 10), nil
	case uint64:
		return strconv.FormatUint(k, 10), nil
	case [16]byte:
		return uuid.UUID(k).String(), nil
	case uuid.UUID:
		return k.String(), nil
	case time.Time:
		return k.Format(time.RFC3339Nano), nil
	case []byte:
		return `\x` + hex.EncodeToString(k), nil
	case driver.Valuer:
		dv, err := k.Value()
		if err != nil {
			return "", fmt.Errorf("%w: %v", errUnencodableKey, err)
		}
		if _, loop := dv.(driver.Valuer); loop {
			return "", fmt.Errorf("%w: %T", errUnencodableKey, v)
		}
		return encodeKey(dv)
	case fmt.Stringer:
		return k.String(), nil
	}
	return "", fmt.Errorf("%w: %T", errUnencodableKey, v)
}
