package vision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAlignTo8AlreadyAligned(t *testing.T) {
	assert.EqualValues(t, 1920, alignTo8(1920))
}

func TestAlignTo8RoundsUp(t *testing.T) {
	assert.EqualValues(t, 1288, alignTo8(1281))
	assert.EqualValues(t, 8, alignTo8(1))
}

func TestDefaultCameraConfigFallsBackWhenUnset(t *testing.T) {
	cfg := DefaultCameraConfig(0, 0)
	assert.EqualValues(t, 1920, cfg.Width)
	assert.EqualValues(t, 1080, cfg.Height)
	assert.Equal(t, "/dev/video0", cfg.Device)
}

func TestDefaultCameraConfigAligns(t *testing.T) {
	cfg := DefaultCameraConfig(1281, 721)
	assert.EqualValues(t, 1288, cfg.Width)
	assert.EqualValues(t, 728, cfg.Height)
}

func TestFPSMeterZeroBeforeFirstWindow(t *testing.T) {
	m := newFPSMeter()
	assert.InDelta(t, 0.0, m.get(), 0.0001)
}

func TestFPSMeterComputesAfterWindowElapses(t *testing.T) {
	m := newFPSMeter()
	m.windowStart = time.Now().Add(-600 * time.Millisecond)
	for i := 0; i < 30; i++ {
		m.endFrame()
	}
	assert.Greater(t, m.get(), float32(0))
}

func TestBoolToInt32(t *testing.T) {
	assert.EqualValues(t, 1, boolToInt32(true))
	assert.EqualValues(t, 0, boolToInt32(false))
}

func TestRecordStatusModelStatusZeroValues(t *testing.T) {
	assert.Equal(t, RecordStart, RecordStatus(0))
	assert.Equal(t, ModelStart, ModelStatus(0))
}
