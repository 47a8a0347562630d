// Package payload defines the multi-entry container format used for stored
// packages.
//
// A package is a zip archive whose entries are named <baseName>.<extension>.
// Entries sharing a base name form one logical item; the extension selects
// the entry's role (data, meta or context). Unknown extensions are ignored
// so newer producers remain readable.
package payload

import (
	"strings"
)

// EntryType identifies the role of a single entry within an item.
type EntryType int

const (
	// TypeMeta is the key:value attribute entry for an item.
	TypeMeta EntryType = iota
	// TypeContext is the optional side-channel payload for an item.
	TypeContext
	// TypeData is the event data payload for an item.
	TypeData
	// TypeUnknown is any extension this version does not recognize.
	TypeUnknown
)

// Recognized entry extensions.
const (
	MetaExtension    = ".meta"
	ContextExtension = ".ctx"
	DataExtension    = ".dat"
)

// String returns the canonical extension for the type.
func (t EntryType) String() string {
	switch t {
	case TypeMeta:
		return MetaExtension
	case TypeContext:
		return ContextExtension
	case TypeData:
		return DataExtension
	default:
		return ""
	}
}

// ParseExtension maps an entry extension (with leading dot, any case) to its
// type. Anything unrecognized is TypeUnknown, never an error.
func ParseExtension(ext string) EntryType {
	switch strings.ToLower(ext) {
	case MetaExtension:
		return TypeMeta
	case ContextExtension:
		return TypeContext
	case DataExtension, ".data":
		return TypeData
	default:
		return TypeUnknown
	}
}

// SplitEntryName splits an entry name into its base name and extension.
// "001.meta" -> ("001", ".meta"). A name without a dot is all base name;
// such entries are treated as data for producers that skip the extension.
func SplitEntryName(name string) (base, ext string) {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx:]
}

// Entry describes one physical entry of an item.
type Entry struct {
	BaseName  string
	Extension string
	Type      EntryType
	ByteSize  int64
}

// Item is one logical record: the set of entries sharing a base name.
type Item struct {
	Name    string
	Entries []Entry
}

// TotalSize returns the summed byte size of the item's entries.
func (i Item) TotalSize() int64 {
	var total int64
	for _, e := range i.Entries {
		total += e.ByteSize
	}
	return total
}
