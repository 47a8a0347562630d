package repo

import (
	"testing"

	"github.com/xtxerr/relay/internal/errors"
)

func TestPartsDirID(t *testing.T) {
	tests := []struct {
		name string
		want uint64
		ok   bool
	}{
		{"001.zip.parts", 1, true},
		{"001001.zip.parts", 1001, true},
		{"001_myFeed.zip.parts", 1, true},
		{"001.zip", 0, false},
		{"001.parts", 0, false},
		{"abc.zip.parts", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := PartsDirID(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("PartsDirID(%q) = (%d, %v), want (%d, %v)", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestZipNameForPartsDir(t *testing.T) {
	got, ok := ZipNameForPartsDir("001001.zip.parts")
	if !ok || got != "001001.zip" {
		t.Errorf("ZipNameForPartsDir = (%q, %v), want (%q, true)", got, ok, "001001.zip")
	}
	if _, ok := ZipNameForPartsDir("001001.zip"); ok {
		t.Error("ZipNameForPartsDir accepted a plain payload name")
	}
}

func TestValidateRepoName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"001.zip", false},
		{"001001.zip", false},
		{"001_myFeed.zip", false},
		{"001.zip.parts", false},
		{"abc.zip", true},
		{"1.zip", true},
		{"abc.zip.parts", true},
		{"notes.txt", true},
		{"001", true},
	}
	for _, tt := range tests {
		err := ValidateRepoName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateRepoName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, errors.ErrInvalidPath) {
			t.Errorf("ValidateRepoName(%q) error %v is not ErrInvalidPath", tt.name, err)
		}
	}
}
