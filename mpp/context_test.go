package mpp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigMatchesOriginalDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, CodecH264, cfg.CodecType)
	assert.Equal(t, RCModeVBR, cfg.RCMode)
	assert.EqualValues(t, 60, cfg.RCGop)
	assert.Equal(t, 77, cfg.H264Profile)
	assert.Equal(t, 30, cfg.H264Level)
	assert.Equal(t, 1, cfg.HEVCProfile)
	assert.Equal(t, 30, cfg.HEVCLevel)
	assert.Equal(t, 90, cfg.JPEGQFactor)
	assert.Equal(t, 1, cfg.RCMaxReencTimes)
	assert.Equal(t, SEIModeOneFrame, cfg.SEIMode)
	assert.Equal(t, HeaderModeEachIDR, cfg.HeaderMode)
	assert.Equal(t, -1, cfg.RCColorRangeOverride)
}

func TestEffectiveBitrateBandVBRAutoBand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RCBpsTarget = 4 * 1024 * 1024
	max, min := effectiveBitrateBand(cfg)
	assert.EqualValues(t, cfg.RCBpsTarget*17/16, max)
	assert.EqualValues(t, cfg.RCBpsTarget*1/16, min)
}

func TestEffectiveBitrateBandCBRAutoBand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RCMode = RCModeCBR
	cfg.RCBpsTarget = 2 * 1024 * 1024
	max, min := effectiveBitrateBand(cfg)
	assert.EqualValues(t, cfg.RCBpsTarget*17/16, max)
	assert.EqualValues(t, cfg.RCBpsTarget*15/16, min)
}

func TestEffectiveBitrateBandRespectsExplicitValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RCBpsTarget = 4 * 1024 * 1024
	cfg.RCBpsMax = 5_000_000
	cfg.RCBpsMin = 1_000_000
	max, min := effectiveBitrateBand(cfg)
	assert.EqualValues(t, 5_000_000, max)
	assert.EqualValues(t, 1_000_000, min)
}

func TestEffectiveGopDerivesFromFpsWhenZero(t *testing.T) {
	cfg := Config{RCFpsOutNum: 25}
	assert.EqualValues(t, 50, effectiveGop(cfg))
}

func TestEffectiveGopRespectsExplicitValue(t *testing.T) {
	cfg := Config{RCFpsOutNum: 25, RCGop: 90}
	assert.EqualValues(t, 90, effectiveGop(cfg))
}

func TestValidateForFfmpegExemptsJPEG(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CodecType = CodecMJPEG
	cfg.HeaderMode = HeaderModeFirstFrame
	assert.NoError(t, ValidateForFfmpeg(cfg, 1))
}

func TestValidateForFfmpegRejectsShortSegmentWithoutEachIDR(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeaderMode = HeaderModeFirstFrame
	cfg.RCGop = 60
	assert.Error(t, ValidateForFfmpeg(cfg, 30))
}

func TestValidateForFfmpegAcceptsEachIDRRegardlessOfSegmentLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeaderMode = HeaderModeEachIDR
	cfg.RCGop = 60
	assert.NoError(t, ValidateForFfmpeg(cfg, 1))
}

func TestFixForFfmpegCoercesProfileAndLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.H264Profile = 66
	cfg.PrepWidth, cfg.PrepHeight = 1920, 1080
	fixed := FixForFfmpeg(cfg)
	assert.Equal(t, 100, fixed.H264Profile)
	assert.Equal(t, 40, fixed.H264Level)
	assert.Equal(t, mppFmtYUV420SP, fixed.PrepFormat)
	assert.Equal(t, 1, fixed.RCColorRangeOverride)
}

func TestFixForFfmpegPreservesAllowedProfiles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.H264Profile = 77
	fixed := FixForFfmpeg(cfg)
	assert.Equal(t, 77, fixed.H264Profile)
}

func TestFixForFfmpegCoercesNonH26xCodecToH264High(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CodecType = CodecMJPEG
	fixed := FixForFfmpeg(cfg)
	assert.Equal(t, CodecH264, fixed.CodecType)
	assert.Equal(t, 100, fixed.H264Profile)
}

func TestLevelForResolution(t *testing.T) {
	assert.Equal(t, 31, levelForResolution(1280, 720))
	assert.Equal(t, 40, levelForResolution(1920, 1080))
	assert.Equal(t, 51, levelForResolution(3840, 2160))
}
