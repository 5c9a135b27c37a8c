package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a free-form JSON object column. It round-trips unknown keys
// untouched, which matters for the session stats blob: UI-only extensions
// must survive a core write.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json map: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported json map source type %T", value)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Clone returns a shallow copy of the map. A nil receiver yields an empty map.
func (m JSONMap) Clone() JSONMap {
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetString returns the string at key, or "" when absent or not a string.
func (m JSONMap) GetString(key string) string {
	s, _ := m[key].(string)
	return s
}

// GetBool returns the bool at key, or false when absent or not a bool.
func (m JSONMap) GetBool(key string) bool {
	b, _ := m[key].(bool)
	return b
}

// GetInt returns the integer at key, tolerating the float64 representation
// JSON decoding produces.
func (m JSONMap) GetInt(key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
