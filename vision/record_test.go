package vision

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampResolutionWithinBoundsUnchanged(t *testing.T) {
	w, h := clampResolution(1280, 720)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
}

func TestClampResolutionClampsLow(t *testing.T) {
	w, h := clampResolution(100, 100)
	assert.Equal(t, recordMinWidth, w)
	assert.Equal(t, recordMinHeight, h)
}

func TestClampResolutionClampsHigh(t *testing.T) {
	w, h := clampResolution(4000, 3000)
	assert.Equal(t, recordMaxWidth, w)
	assert.Equal(t, recordMaxHeight, h)
}

func TestMakeTimestampFilenameMatchesPattern(t *testing.T) {
	dir := t.TempDir()
	name := makeTimestampFilename(dir, ".h264")

	pattern := regexp.MustCompile(`^\d{8}_\d{6}_\d{3}\.h264$`)
	assert.Regexp(t, pattern, filepath.Base(name))
	assert.Equal(t, dir, filepath.Dir(name))
}

func TestMakeTimestampFilenameCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "segments")
	_ = makeTimestampFilename(dir, ".h264")

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMakeTimestampFilenameEmptyDir(t *testing.T) {
	name := makeTimestampFilename("", ".jpg")
	assert.Regexp(t, regexp.MustCompile(`^\d{8}_\d{6}_\d{3}\.jpg$`), name)
}
