package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChangeType is the kind of row change carried on the change feed.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one row-level change published by the backend.
type ChangeEvent struct {
	Table      string          `json:"table"`
	Type       ChangeType      `json:"type"`
	New        json.RawMessage `json:"new,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
	CommitTime time.Time       `json:"commit_time"`
}

// ParseChangeEvent decodes and sanity-checks a change-feed message value.
func ParseChangeEvent(data []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("unmarshal change event: %w", err)
	}
	if ev.Table == "" {
		return ChangeEvent{}, fmt.Errorf("change event: missing table")
	}
	switch ev.Type {
	case ChangeInsert, ChangeUpdate:
		if len(ev.New) == 0 {
			return ChangeEvent{}, fmt.Errorf("change event %s on %s: missing new row", ev.Type, ev.Table)
		}
	case ChangeDelete:
	default:
		return ChangeEvent{}, fmt.Errorf("change event on %s: unknown type %q", ev.Table, ev.Type)
	}
	return ev, nil
}

// Row decodes the new row image into a generic map for filter matching.
func (e ChangeEvent) Row() (map[string]any, error) {
	raw := e.New
	if e.Type == ChangeDelete {
		raw = e.Old
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode %s row: %w", e.Table, err)
	}
	return row, nil
}

// DecodeNew unmarshals the new row image of ev into T.
func DecodeNew[T any](ev ChangeEvent) (T, error) {
	var v T
	if err := json.Unmarshal(ev.New, &v); err != nil {
		return v, fmt.Errorf("decode %s row: %w", ev.Table, err)
	}
	return v, nil
}
