package dedup_test

import (
	"errors"
	"testing"
	"time"

	"dedup-go/internal/dedup"
)

func TestPointerRoundTrip(t *testing.T) {
	created := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	data, err := dedup.EncodePointer("abc123", "MyDrive/photos/a.jpg", created)
	if err != nil {
		t.Fatalf("EncodePointer() error: %v", err)
	}

	p, err := dedup.DecodePointer(data)
	if err != nil {
		t.Fatalf("DecodePointer() error: %v", err)
	}
	if p.OriginalHash != "abc123" {
		t.Errorf("OriginalHash = %q, want %q", p.OriginalHash, "abc123")
	}
	if p.OriginalPath != "MyDrive/photos/a.jpg" {
		t.Errorf("OriginalPath = %q, want %q", p.OriginalPath, "MyDrive/photos/a.jpg")
	}
	if !p.Created.Equal(created) {
		t.Errorf("Created = %v, want %v", p.Created, created)
	}
}

func TestEncodePointerDeterministic(t *testing.T) {
	created := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	a, err := dedup.EncodePointer("h", "p", created)
	if err != nil {
		t.Fatal(err)
	}
	b, err := dedup.EncodePointer("h", "p", created)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Errorf("identical inputs produced different bytes:\n%s\n%s", a, b)
	}
}

func TestDecodePointerMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "invalid json", data: "not json at all"},
		{name: "empty object", data: "{}"},
		{name: "wrong type tag", data: `{"type":"something-else","version":1,"original_hash":"h","original_path":"p"}`},
		{name: "unknown version", data: `{"type":"dedup-pointer","version":99,"original_hash":"h","original_path":"p"}`},
		{name: "missing hash", data: `{"type":"dedup-pointer","version":1,"original_path":"p"}`},
		{name: "missing path", data: `{"type":"dedup-pointer","version":1,"original_hash":"h"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dedup.DecodePointer([]byte(tt.data))
			if !errors.Is(err, dedup.ErrMalformedPointer) {
				t.Errorf("DecodePointer() error = %v, want ErrMalformedPointer", err)
			}
		})
	}
}
