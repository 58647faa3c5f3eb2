package mpp

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJPEGConfigToMppConfigScalesQuality(t *testing.T) {
	cfg := JPEGConfig{Width: 640, Height: 480, Quality: 8}.toMppConfig()
	assert.Equal(t, CodecMJPEG, cfg.CodecType)
	assert.Equal(t, RCModeFixQP, cfg.RCMode)
	assert.Equal(t, 80, cfg.JPEGQFactor)
	assert.Equal(t, 99, cfg.JPEGQFMax)
	assert.Equal(t, 1, cfg.JPEGQFMin)
	assert.EqualValues(t, 640, cfg.PrepWidth)
	assert.EqualValues(t, 480, cfg.PrepHeight)
	assert.Equal(t, mppFmtYUV420SP, cfg.PrepFormat)
}

func TestJPEGConfigToMppConfigClampsQualityRange(t *testing.T) {
	assert.Equal(t, 1, JPEGConfig{Quality: -3}.toMppConfig().JPEGQFactor)
	assert.Equal(t, 99, JPEGConfig{Quality: 42}.toMppConfig().JPEGQFactor)
}

func TestGenerateFilenameMatchesTimestampPattern(t *testing.T) {
	j := &JpegEncoder{cfg: JPEGConfig{SaveDir: "/tmp/snapshots"}}
	name := j.generateFilename()

	pattern := regexp.MustCompile(`^/tmp/snapshots/\d{8}_\d{6}_\d{3}\.jpg$`)
	assert.Regexp(t, pattern, name)
}
