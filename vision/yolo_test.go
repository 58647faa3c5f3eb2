package vision

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweerit/edgevision"
)

func TestNoopDetectorDefaultThresholds(t *testing.T) {
	d := NewNoopDetector()
	assert.Equal(t, float32(0.25), d.boxThresh)
	assert.Equal(t, float32(0.45), d.nmsThresh)
}

func TestNoopDetectorSetThreshIgnoresNegative(t *testing.T) {
	d := NewNoopDetector()
	d.SetThresh(-1, -1)
	assert.Equal(t, float32(0.25), d.boxThresh)
	assert.Equal(t, float32(0.45), d.nmsThresh)

	d.SetThresh(0.5, 0.6)
	assert.Equal(t, float32(0.5), d.boxThresh)
	assert.Equal(t, float32(0.6), d.nmsThresh)
}

func TestNoopDetectorSubmitInvokesCallbackWhileRunning(t *testing.T) {
	d := NewNoopDetector()
	require.NoError(t, d.Start())

	var mu sync.Mutex
	calls := 0
	d.SetOnResult(func(DetectionResult) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	frame := edgevision.Frame{Fd: -1}
	require.NoError(t, d.Submit(frame))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestNoopDetectorSubmitSkipsCallbackWhenStopped(t *testing.T) {
	d := NewNoopDetector()
	calls := 0
	d.SetOnResult(func(DetectionResult) { calls++ })

	require.NoError(t, d.Submit(edgevision.Frame{Fd: -1}))
	assert.Equal(t, 0, calls)
}
