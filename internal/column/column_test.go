package column

import (
	"errors"
	"testing"
)

func TestID_KeyIsStable(t *testing.T) {
	a := ID{PortURL: "serial:///dev/ttyUSB0", DeviceRoute: "/0", StreamID: 1, ColumnIndex: 2}
	b := ID{ColumnIndex: 2, StreamID: 1, DeviceRoute: "/0", PortURL: "serial:///dev/ttyUSB0"}

	if a.Key() != b.Key() {
		t.Fatalf("expected identical keys, got %q and %q", a.Key(), b.Key())
	}

	expected := `{"port_url":"serial:///dev/ttyUSB0","device_route":"/0","stream_id":1,"column_index":2}`
	if a.Key() != expected {
		t.Errorf("expected key %s, got %s", expected, a.Key())
	}
}

func TestParseKey_RoundTrip(t *testing.T) {
	id := ID{PortURL: "tcp://localhost", DeviceRoute: "", StreamID: 255, ColumnIndex: 0}

	parsed, err := ParseKey(id.Key())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed != id {
		t.Errorf("expected %+v, got %+v", id, parsed)
	}
}

func TestCanonicalize_ReordersFields(t *testing.T) {
	key := `{ "column_index": 3, "stream_id": 2, "device_route": "/1", "port_url": "tcp://a" }`

	canonical, err := Canonicalize(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := ID{PortURL: "tcp://a", DeviceRoute: "/1", StreamID: 2, ColumnIndex: 3}.Key()
	if canonical != expected {
		t.Errorf("expected %s, got %s", expected, canonical)
	}
}

func TestParseKey_Errors(t *testing.T) {
	testCases := []struct {
		name     string
		key      string
		expected error
	}{
		{"device row", "tcp://a:/0", ErrNotAColumnKey},
		{"empty", "", ErrNotAColumnKey},
		{"broken json", `{"port_url":`, ErrNotAColumnKey},
		{"broken object", `{"port_url": }`, ErrMalformedKey},
		{"unknown field", `{"port_url":"a","device_route":"","stream_id":1,"column_index":1,"x":1}`, ErrMalformedKey},
		{"missing field", `{"port_url":"a","device_route":"","stream_id":1}`, ErrMalformedKey},
		{"negative column", `{"port_url":"a","device_route":"","stream_id":1,"column_index":-1}`, ErrMalformedKey},
		{"stream out of range", `{"port_url":"a","device_route":"","stream_id":300,"column_index":1}`, ErrMalformedKey},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseKey(tc.key)
			if !errors.Is(err, tc.expected) {
				t.Errorf("expected %v, got %v", tc.expected, err)
			}
		})
	}
}
