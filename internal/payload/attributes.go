package payload

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Standard attribute keys carried on received and forwarded packages.
const (
	AttrFeed         = "Feed"
	AttrType         = "Type"
	AttrCompression  = "Compression"
	AttrReceivedPath = "ReceivedPath"
	AttrForwardID    = "ForwardId"

	CompressionZip = "ZIP"
)

// AttributeMap holds package attributes. Keys are case-insensitive on
// lookup; the first-seen spelling is preserved for output.
type AttributeMap struct {
	values map[string]string // lower key -> value
	names  map[string]string // lower key -> original spelling
}

// NewAttributeMap returns an empty AttributeMap.
func NewAttributeMap() *AttributeMap {
	return &AttributeMap{
		values: make(map[string]string),
		names:  make(map[string]string),
	}
}

// Put sets an attribute, replacing any existing value for the key
// regardless of case.
func (m *AttributeMap) Put(key, value string) {
	lower := strings.ToLower(key)
	if _, ok := m.names[lower]; !ok {
		m.names[lower] = key
	}
	m.values[lower] = value
}

// Get returns the value for a key, case-insensitively.
func (m *AttributeMap) Get(key string) (string, bool) {
	v, ok := m.values[strings.ToLower(key)]
	return v, ok
}

// GetOr returns the value for a key or the fallback if absent.
func (m *AttributeMap) GetOr(key, fallback string) string {
	if v, ok := m.Get(key); ok {
		return v
	}
	return fallback
}

// Len returns the number of attributes.
func (m *AttributeMap) Len() int {
	return len(m.values)
}

// Each calls fn for every attribute with its original key spelling.
func (m *AttributeMap) Each(fn func(key, value string)) {
	for lower, v := range m.values {
		fn(m.names[lower], v)
	}
}

// ParseAttributes reads colon-separated key:value lines. Blank lines are
// skipped; a line without a colon is ignored rather than rejected. For a
// repeated key the first value wins.
func ParseAttributes(r io.Reader) (*AttributeMap, error) {
	m := NewAttributeMap()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if _, exists := m.Get(key); !exists {
			m.Put(key, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read attributes: %w", err)
	}
	return m, nil
}

// WriteTo writes the attributes as key:value lines in sorted key order so
// output is identical across retries.
func (m *AttributeMap) WriteTo(w io.Writer) (int64, error) {
	keys := make([]string, 0, len(m.values))
	for lower := range m.values {
		keys = append(keys, lower)
	}
	sort.Strings(keys)

	var written int64
	for _, lower := range keys {
		n, err := fmt.Fprintf(w, "%s:%s\n", m.names[lower], m.values[lower])
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
