package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JsonColumn is a generic wrapper which allows any JSON-serialisable type to
// be scanned from (and valued in to) a database column. It is used for the
// engine result tree, which contains nested arrays and 32/64-bit floats that
// have no natural relational shape.
type JsonColumn[T any] struct {
	val *T
}

func NewJsonColumn[T any](val *T) JsonColumn[T] {
	return JsonColumn[T]{val: val}
}

func (j *JsonColumn[T]) Scan(src any) error {
	if src == nil {
		j.val = nil
		return nil
	}

	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("JsonColumn cannot scan unsupported type %T", src)
	}

	val := new(T)
	if err := json.Unmarshal(raw, val); err != nil {
		return fmt.Errorf("JsonColumn failed to unmarshal: %w", err)
	}

	j.val = val
	return nil
}

func (j JsonColumn[T]) Value() (driver.Value, error) {
	if j.val == nil {
		return nil, nil
	}

	raw, err := json.Marshal(j.val)
	if err != nil {
		return nil, fmt.Errorf("JsonColumn failed to marshal: %w", err)
	}

	return string(raw), nil
}

// Get returns the wrapped value, or nil if the column was NULL.
func (j *JsonColumn[T]) Get() *T { return j.val }
