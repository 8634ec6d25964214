package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap stores arbitrary JSON objects in a TEXT column. Feature maps, scan
// metrics, provider metadata, and distribution summaries all ride on it.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json map: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, m)
}

// StringList stores a JSON array of strings in a TEXT column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

// ResourceState is the tracked status of one resource acquisition for one build.
type ResourceState struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ResourceStatusMap maps resource names to their acquisition state.
type ResourceStatusMap map[string]ResourceState

// Value implements driver.Valuer.
func (m ResourceStatusMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal resource status: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *ResourceStatusMap) Scan(src any) error {
	return scanJSON(src, m)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported column type %T for JSON value", src)
	}
}
