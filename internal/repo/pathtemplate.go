package repo

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/xtxerr/relay/internal/errors"
	"github.com/xtxerr/relay/internal/payload"
)

// DefaultFormat is the canonical bucketed layout; it lets payloads be
// located from their id alone.
const DefaultFormat = "${pathId}/${id}"

// Template placeholders recognized beyond package attributes.
const (
	idVar     = "${id}"
	pathIDVar = "${pathId}"
	feedVar   = "feed"
	yearVar   = "year"
	monthVar  = "month"
	dayVar    = "day"
)

// ValidateTemplate checks a repository path template. The template must
// contain ${id}; ${id} must be preceded by '/' or '_' (or start the
// template) and followed by '_' (or end it) so ids remain parseable from
// file names.
func ValidateTemplate(format string) error {
	idx := strings.Index(format, idVar)
	if idx == -1 {
		return fmt.Errorf("%w: template %q must contain %s",
			errors.ErrInvalidTemplate, format, idVar)
	}
	if idx > 0 {
		if c := format[idx-1]; c != '/' && c != '_' {
			return fmt.Errorf("%w: %s must be preceded by '/' or '_' in %q",
				errors.ErrInvalidTemplate, idVar, format)
		}
	}
	if end := idx + len(idVar); end < len(format) {
		if format[end] != '_' {
			return fmt.Errorf("%w: %s must be followed by '_' in %q",
				errors.ErrInvalidTemplate, idVar, format)
		}
	}
	return nil
}

// ExpandTemplate renders a repository path template for one package.
// Recognized placeholders are ${id}, ${pathId}, ${feed}, ${year}, ${month},
// ${day} and any ${name} present in the package's attribute map
// (case-insensitive). An unrecognized placeholder, or an unterminated ${,
// is passed through literally rather than erroring.
//
// The result has no extension; empty path segments collapse.
func ExpandTemplate(format string, id uint64, attrs *payload.AttributeMap, now time.Time) string {
	var b strings.Builder
	rest := format
	for {
		start := strings.Index(rest, "${")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		end := strings.Index(rest[start:], "}")
		if end == -1 {
			// Unterminated delimiter: literal passthrough.
			b.WriteString(rest[start:])
			break
		}
		name := rest[start+2 : start+end]
		rest = rest[start+end+1:]

		if value, ok := resolveVar(name, id, attrs, now); ok {
			b.WriteString(value)
		} else {
			// Unknown placeholder: keep it literally.
			b.WriteString("${")
			b.WriteString(name)
			b.WriteString("}")
		}
	}

	// Collapse empty segments, e.g. "${pathId}/${id}" for a small id.
	segments := strings.Split(b.String(), "/")
	cleaned := segments[:0]
	for _, seg := range segments {
		if seg != "" {
			cleaned = append(cleaned, seg)
		}
	}
	return path.Join(cleaned...)
}

func resolveVar(name string, id uint64, attrs *payload.AttributeMap, now time.Time) (string, bool) {
	switch strings.ToLower(name) {
	case "id":
		return IDToString(id), true
	case "pathid":
		return IDDirPath(id), true
	case yearVar:
		return fmt.Sprintf("%04d", now.Year()), true
	case monthVar:
		return fmt.Sprintf("%02d", int(now.Month())), true
	case dayVar:
		return fmt.Sprintf("%02d", now.Day()), true
	case feedVar:
		if attrs != nil {
			if v, ok := attrs.Get(payload.AttrFeed); ok {
				return safeName(v), true
			}
		}
		return "", false
	default:
		if attrs != nil {
			if v, ok := attrs.Get(name); ok {
				return safeName(v), true
			}
		}
		return "", false
	}
}

// safeName replaces characters that are unsafe in path segments.
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
