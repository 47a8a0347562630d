package repo

import (
	"fmt"
	"strings"

	"github.com/xtxerr/relay/internal/errors"
)

// PartsSuffix marks a directory holding an in-progress multi-part upload.
// The directory "001001.zip.parts" becomes the payload "001001.zip" once
// finalized; until then the store never reports the payload as present.
const PartsSuffix = ".parts"

// PartsDirName returns the parts directory name for a payload file name.
func PartsDirName(zipName string) string {
	return zipName + PartsSuffix
}

// IsPartsDir reports whether a file name is a well-formed parts directory
// name, i.e. a valid finished payload name plus the parts suffix.
func IsPartsDir(name string) bool {
	_, ok := PartsDirID(name)
	return ok
}

// PartsDirID extracts the payload id from a parts directory name.
func PartsDirID(name string) (uint64, bool) {
	zipName, ok := strings.CutSuffix(name, PartsSuffix)
	if !ok {
		return 0, false
	}
	return ParseFileID(zipName)
}

// ZipNameForPartsDir returns the finished payload file name that a parts
// directory finalizes into.
func ZipNameForPartsDir(name string) (string, bool) {
	zipName, ok := strings.CutSuffix(name, PartsSuffix)
	if !ok {
		return "", false
	}
	if _, ok := ParseFileID(zipName); !ok {
		return "", false
	}
	return zipName, true
}

// ValidateRepoName checks that a candidate name found in the repository is
// either a well-formed finished payload name or a well-formed parts
// directory name. Anything else is a corrupt or foreign file and is
// rejected with a descriptive error rather than silently ignored.
func ValidateRepoName(name string) error {
	if _, ok := ParseFileID(name); ok {
		return nil
	}
	if IsPartsDir(name) {
		return nil
	}
	if strings.HasSuffix(name, ZipExtension) {
		return fmt.Errorf("%w: %q has a %s extension but no valid zero padded id",
			errors.ErrInvalidPath, name, ZipExtension)
	}
	if strings.HasSuffix(name, PartsSuffix) {
		return fmt.Errorf("%w: %q has a %s suffix but no valid payload name",
			errors.ErrInvalidPath, name, PartsSuffix)
	}
	return fmt.Errorf("%w: %q is neither a payload file nor a parts directory",
		errors.ErrInvalidPath, name)
}
