package repo

import (
	"testing"
	"time"

	"github.com/xtxerr/relay/internal/errors"
	"github.com/xtxerr/relay/internal/payload"
)

func TestValidateTemplate(t *testing.T) {
	tests := []struct {
		format  string
		wantErr bool
	}{
		{"${pathId}/${id}", false},
		{"${id}", false},
		{"${feed}/${id}", false},
		{"${year}-${month}-${day}/${feed}/${id}", false},
		{"${id}_${feed}", false},
		{"prefix_${id}", false},
		{"", true},
		{"${feed}", true},
		{"x${id}", true},
		{"${id}x", true},
		{"${id}.zip", true},
	}
	for _, tt := range tests {
		err := ValidateTemplate(tt.format)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateTemplate(%q) error = %v, wantErr %v", tt.format, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, errors.ErrInvalidTemplate) {
			t.Errorf("ValidateTemplate(%q) error %v is not ErrInvalidTemplate", tt.format, err)
		}
	}
}

func TestExpandTemplate(t *testing.T) {
	now := time.Date(2024, time.March, 7, 12, 0, 0, 0, time.UTC)
	attrs := payload.NewAttributeMap()
	attrs.Put(payload.AttrFeed, "MY-FEED")
	attrs.Put("environment", "prod")

	tests := []struct {
		name   string
		format string
		id     uint64
		attrs  *payload.AttributeMap
		want   string
	}{
		{"default small id", "${pathId}/${id}", 1, nil, "001"},
		{"default bucketed", "${pathId}/${id}", 1001, nil, "001/001001"},
		{"dated feed layout", "${year}-${month}-${day}/${feed}/${id}", 42, attrs,
			"2024-03-07/MY-FEED/042"},
		{"case insensitive", "${PathId}/${ID}", 1001, nil, "001/001001"},
		{"attribute lookup", "${environment}/${id}", 5, attrs, "prod/005"},
		{"missing feed kept literal", "${feed}/${id}", 5, nil, "${feed}/005"},
		{"unknown placeholder kept literal", "${bogus}/${id}", 5, nil, "${bogus}/005"},
		{"unterminated passthrough", "${id}_${oops", 5, nil, "005_${oops"},
		{"id with suffix", "${id}_${feed}", 7, attrs, "007_MY-FEED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandTemplate(tt.format, tt.id, tt.attrs, now); got != tt.want {
				t.Errorf("ExpandTemplate(%q, %d) = %q, want %q", tt.format, tt.id, got, tt.want)
			}
		})
	}
}

func TestExpandTemplateSanitizesAttributeValues(t *testing.T) {
	attrs := payload.NewAttributeMap()
	attrs.Put(payload.AttrFeed, "../etc/passwd feed")
	got := ExpandTemplate("${feed}/${id}", 1, attrs, time.Now())
	want := ".._etc_passwd_feed/001"
	if got != want {
		t.Errorf("ExpandTemplate sanitized = %q, want %q", got, want)
	}
}
