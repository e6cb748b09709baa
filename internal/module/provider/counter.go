package provider

import (
	"encoding/json"
	"strconv"
)

// Counter is a byte counter that accepts a JSON number or numeric string.
// Anything else decodes to an unset counter.
type Counter struct {
	Value int64
	Set   bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Counter) UnmarshalJSON(data []byte) error {
	n, ok := ParseCounter(data)
	*c = Counter{Value: n, Set: ok}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c Counter) MarshalJSON() ([]byte, error) {
	if !c.Set {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(c.Value, 10)), nil
}

// ParseCounter accepts a JSON number or a numeric string.
func ParseCounter(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}
	n, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return int64(n), true
}
