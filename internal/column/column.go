package column

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedKey is returned when a selection key looks structured but cannot be decoded
	ErrMalformedKey = errors.New("malformed selection key")

	// ErrNotAColumnKey is returned for selection keys that do not identify a data column
	// (device rows, stream rows and other grouping keys of the selection tree).
	ErrNotAColumnKey = errors.New("not a data column key")
)

// ID identifies one measurement column of a device stream.
//
// The canonical key of an ID is a JSON object whose fields always appear in
// declaration order: port_url, device_route, stream_id, column_index. Two IDs with
// identical field values always produce identical keys.
type ID struct {
	PortURL     string `json:"port_url"`
	DeviceRoute string `json:"device_route"`
	StreamID    uint8  `json:"stream_id"`
	ColumnIndex int    `json:"column_index"`
}

// wireID mirrors ID with pointer fields so that missing fields can be told apart from zero values.
type wireID struct {
	PortURL     *string `json:"port_url"`
	DeviceRoute *string `json:"device_route"`
	StreamID    *uint8  `json:"stream_id"`
	ColumnIndex *int    `json:"column_index"`
}

// Key returns the canonical selection key for the column.
func (id ID) Key() string {
	// Marshaling a struct of strings and integers cannot fail
	p, _ := json.Marshal(id)
	return string(p)
}

// String implements fmt.Stringer
func (id ID) String() string {
	return fmt.Sprintf("%s%s/%d/%d", id.PortURL, id.DeviceRoute, id.StreamID, id.ColumnIndex)
}

// DeviceID returns the identifier of the device the column belongs to.
func (id ID) DeviceID() string {
	return id.PortURL + ":" + id.DeviceRoute
}

// StreamKey returns the identifier of the stream the column belongs to.
func (id ID) StreamKey() string {
	return fmt.Sprintf("%s:%d", id.DeviceID(), id.StreamID)
}

// IsColumnKey reports whether a selection key has the shape of a structured column key.
func IsColumnKey(key string) bool {
	return strings.HasPrefix(key, "{") && strings.HasSuffix(key, "}")
}

// ParseKey decodes a selection key into an ID.
//
// Keys that are not shaped like a structured object return ErrNotAColumnKey. Keys that
// are shaped like one but fail to decode, carry unknown fields or miss any field
// return ErrMalformedKey.
func ParseKey(key string) (ID, error) {
	if !IsColumnKey(key) {
		return ID{}, ErrNotAColumnKey
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(key)))
	dec.DisallowUnknownFields()

	var w wireID
	if err := dec.Decode(&w); err != nil {
		return ID{}, fmt.Errorf("%w: %w", ErrMalformedKey, err)
	}
	if dec.More() {
		return ID{}, fmt.Errorf("%w: trailing data", ErrMalformedKey)
	}

	switch {
	case w.PortURL == nil:
		return ID{}, fmt.Errorf("%w: missing port_url", ErrMalformedKey)
	case w.DeviceRoute == nil:
		return ID{}, fmt.Errorf("%w: missing device_route", ErrMalformedKey)
	case w.StreamID == nil:
		return ID{}, fmt.Errorf("%w: missing stream_id", ErrMalformedKey)
	case w.ColumnIndex == nil:
		return ID{}, fmt.Errorf("%w: missing column_index", ErrMalformedKey)
	case *w.ColumnIndex < 0:
		return ID{}, fmt.Errorf("%w: negative column_index %d", ErrMalformedKey, *w.ColumnIndex)
	}

	return ID{
		PortURL:     *w.PortURL,
		DeviceRoute: *w.DeviceRoute,
		StreamID:    *w.StreamID,
		ColumnIndex: *w.ColumnIndex,
	}, nil
}

// Canonicalize re-encodes a selection key so that equivalent keys written with a
// different field order or spacing map to the same string.
func Canonicalize(key string) (string, error) {
	id, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	return id.Key(), nil
}
