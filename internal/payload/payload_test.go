package payload

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseExtension(t *testing.T) {
	tests := []struct {
		ext      string
		expected EntryType
	}{
		{".meta", TypeMeta},
		{".META", TypeMeta},
		{".ctx", TypeContext},
		{".dat", TypeData},
		{".data", TypeData},
		{".Dat", TypeData},
		{".json", TypeUnknown},
		{"", TypeUnknown},
	}

	for _, tt := range tests {
		if got := ParseExtension(tt.ext); got != tt.expected {
			t.Errorf("ParseExtension(%q) = %v, want %v", tt.ext, got, tt.expected)
		}
	}
}

func TestSplitEntryName(t *testing.T) {
	tests := []struct {
		name string
		base string
		ext  string
	}{
		{"001.meta", "001", ".meta"},
		{"001001.dat", "001001", ".dat"},
		{"noext", "noext", ""},
		{"a.b.dat", "a.b", ".dat"},
		{".hidden", ".hidden", ""},
	}

	for _, tt := range tests {
		base, ext := SplitEntryName(tt.name)
		if base != tt.base || ext != tt.ext {
			t.Errorf("SplitEntryName(%q) = (%q, %q), want (%q, %q)",
				tt.name, base, ext, tt.base, tt.ext)
		}
	}
}

func TestItemTotalSize(t *testing.T) {
	item := Item{
		Name: "001",
		Entries: []Entry{
			{BaseName: "001", Extension: ".meta", Type: TypeMeta, ByteSize: 10},
			{BaseName: "001", Extension: ".dat", Type: TypeData, ByteSize: 90},
		},
	}
	if got := item.TotalSize(); got != 100 {
		t.Errorf("TotalSize() = %d, want 100", got)
	}

	empty := Item{Name: "002"}
	if got := empty.TotalSize(); got != 0 {
		t.Errorf("TotalSize() of empty item = %d, want 0", got)
	}
}

func TestParseAttributes(t *testing.T) {
	input := "Feed:myFeed\nType: EVENTS \n\nnocolon\nfeed:shadowed\nHost:node1\n"
	m, err := ParseAttributes(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseAttributes: %v", err)
	}

	if v, _ := m.Get("feed"); v != "myFeed" {
		t.Errorf("Get(feed) = %q, want myFeed (first value wins)", v)
	}
	if v, _ := m.Get("TYPE"); v != "EVENTS" {
		t.Errorf("Get(TYPE) = %q, want EVENTS", v)
	}
	if v, _ := m.Get("host"); v != "node1" {
		t.Errorf("Get(host) = %q, want node1", v)
	}
	if m.Len() != 3 {
		t.Errorf("Len() = %d, want 3", m.Len())
	}
}

func TestAttributeMapWriteStable(t *testing.T) {
	m := NewAttributeMap()
	m.Put("Feed", "f1")
	m.Put("Type", "EVENTS")
	m.Put("Compression", "ZIP")

	var first, second bytes.Buffer
	if _, err := m.WriteTo(&first); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if _, err := m.WriteTo(&second); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	if first.String() != second.String() {
		t.Errorf("output not stable:\n%s\nvs\n%s", first.String(), second.String())
	}

	// Round-trip preserves values.
	parsed, err := ParseAttributes(&first)
	if err != nil {
		t.Fatalf("ParseAttributes: %v", err)
	}
	if v, _ := parsed.Get("compression"); v != "ZIP" {
		t.Errorf("round-trip Get(compression) = %q, want ZIP", v)
	}
}
