package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "exports"), 0o755))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file in dir", filepath.Join(dir, "profiles.json"), false},
		{"nested new file", filepath.Join(dir, "exports", "v3.json"), false},
		{"missing parents", filepath.Join(dir, "a", "b", "c.json"), false},
		{"dot dot escape", filepath.Join(dir, "..", "profiles.json"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, dir)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinDirectory_SymlinkedParent(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(dir, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	err := ValidatePathWithinDirectory(filepath.Join(link, "profiles.json"), dir)
	assert.ErrorContains(t, err, "path traversal detected")
}

func TestValidatePathWithinAllowedDirs(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	assert.NoError(t, ValidatePathWithinAllowedDirs(filepath.Join(b, "x.json"), []string{a, b}))
	assert.Error(t, ValidatePathWithinAllowedDirs("/etc/x.json", []string{a, b}))
	assert.ErrorContains(t, ValidatePathWithinAllowedDirs("x.json", nil), "no allowed directories")
}

func TestValidateExportPath(t *testing.T) {
	assert.NoError(t, ValidateExportPath(filepath.Join(os.TempDir(), "profiles-v1.json")))
	assert.NoError(t, ValidateExportPath("profiles-v1.json"))
	assert.Error(t, ValidateExportPath("/etc/profiles-v1.json"))
}

func TestSanitizeFilename(t *testing.T) {
	for in, want := range map[string]string{
		"profiles-v3-usd.json": "profiles-v3-usd.json",
		"usd/../../etc":        "usd_.._.._etc",
		"  eur  set ":          "eur_set",
		"___":                  "unknown",
		"":                     "unknown",
	} {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}
