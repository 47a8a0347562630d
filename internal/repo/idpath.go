// Package repo implements the sequential file store: packages are assigned
// monotonically increasing numeric ids and stored as zip files under paths
// derived from the id, bucketed so that no directory holds more than 1000
// entries.
//
// An id is rendered zero padded to a multiple of 3 digits ("001",
// "001001", ...). Every leading 3-digit group except the last becomes a
// directory, so id 1,001,001 lives at 001/001/001001001.zip.
package repo

import (
	"path"
	"strconv"
	"strings"
)

// ZipExtension is the suffix of a finished payload file.
const ZipExtension = ".zip"

// LockExtension is the suffix of a payload that is still being written.
// A crash leaves the .lock file behind; it is never visible as a payload.
const LockExtension = ".lock"

// IDToString renders an id zero padded to a multiple of 3 digits.
func IDToString(id uint64) string {
	s := strconv.FormatUint(id, 10)
	pad := len(s) % 3
	if pad != 0 {
		s = strings.Repeat("0", 3-pad) + s
	}
	return s
}

// ParseIDName extracts the id from a padded digit string such as "001001".
// Returns false if the string is not all digits or its length is not a
// positive multiple of 3.
func ParseIDName(name string) (uint64, bool) {
	if len(name) == 0 || len(name)%3 != 0 {
		return 0, false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < '0' || name[i] > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ParseFileID extracts the id from a finished payload file name. The name
// is the zero padded id, optionally followed by '_' and template-derived
// text: "001001.zip", "001_myFeed.zip". Returns false for anything else.
func ParseFileID(fileName string) (uint64, bool) {
	name, ok := strings.CutSuffix(fileName, ZipExtension)
	if !ok {
		return 0, false
	}
	digits := len(name)
	for i := 0; i < len(name); i++ {
		if name[i] < '0' || name[i] > '9' {
			digits = i
			break
		}
	}
	if digits == 0 || digits%3 != 0 {
		return 0, false
	}
	if digits < len(name) && name[digits] != '_' {
		return 0, false
	}
	return ParseIDName(name[:digits])
}

// IDDirPath returns the bucketing directory portion for an id: every
// leading 3-digit group except the last. Empty for ids below 1000.
func IDDirPath(id uint64) string {
	s := IDToString(id)
	var parts []string
	for i := 0; i+3 < len(s); i += 3 {
		parts = append(parts, s[i:i+3])
	}
	return path.Join(parts...)
}

// IDRelativePath returns the canonical payload path for an id, relative to
// the repository root.
func IDRelativePath(id uint64) string {
	return path.Join(IDDirPath(id), IDToString(id)+ZipExtension)
}
