package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Int64List is a JSON-encoded ordered list of integer ids stored in a TEXT
// column. A nil list round-trips as an empty JSON array.
type Int64List []int64

// Value implements driver.Valuer.
func (l Int64List) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *Int64List) Scan(src any) error {
	return scanJSON(src, l, "[]")
}

// StringList is a JSON-encoded list of strings stored in a TEXT column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	return scanJSON(src, l, "[]")
}

// JSONMap is a free-form JSON object stored in a TEXT column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, m, "{}")
}

func scanJSON(src, dest any, empty string) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		raw = []byte(empty)
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
	if len(raw) == 0 {
		raw = []byte(empty)
	}
	return json.Unmarshal(raw, dest)
}
