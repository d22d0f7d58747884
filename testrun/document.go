package testrun

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Document is a JSON value stored verbatim in a text column. The stored bytes
// are returned unchanged, so a persisted result serializes identically on
// every read.
type Document []byte

// NewDocument marshals v.
func NewDocument(v interface{}) (Document, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Document(raw), nil
}

// Decode unmarshals the document into v.
func (d Document) Decode(v interface{}) error {
	if len(d) == 0 {
		return nil
	}
	return json.Unmarshal(d, v)
}

// IsEmpty reports whether nothing was stored.
func (d Document) IsEmpty() bool {
	return len(d) == 0
}

// Value implements driver.Valuer.
func (d Document) Value() (driver.Value, error) {
	if len(d) == 0 {
		return nil, nil
	}
	return string(d), nil
}

// Scan implements sql.Scanner.
func (d *Document) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = nil
	case []byte:
		*d = append((*d)[:0], v...)
	case string:
		*d = Document(v)
	default:
		return fmt.Errorf("cannot scan %T into Document", src)
	}
	return nil
}

// MarshalJSON embeds the stored JSON as is.
func (d Document) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

// UnmarshalJSON keeps a copy of the raw JSON.
func (d *Document) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = nil
		return nil
	}
	*d = append((*d)[:0], data...)
	return nil
}
