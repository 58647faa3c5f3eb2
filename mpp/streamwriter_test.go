package mpp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeSegmentFilename(t *testing.T) {
	assert.Equal(t, "out_0001.h264", makeSegmentFilename("out", 1, ".h264"))
	assert.Equal(t, "out_0015.h264", makeSegmentFilename("out", 15, ".h264"))
}

func TestPrependParameterSetsNoOpWithoutCachedSPSPPS(t *testing.T) {
	sw := &StreamWriter{log: logrus.WithField("test", true)}
	idr := []byte{0, 0, 0, 1, 0x65, 0xAA}
	assert.Equal(t, idr, sw.prependParameterSets(idr))
}

func TestPrependParameterSetsPrependsCachedSPSPPS(t *testing.T) {
	sw := &StreamWriter{
		lastSPS: []byte{0x67, 0x01},
		lastPPS: []byte{0x68, 0x02},
		log:     logrus.WithField("test", true),
	}
	idr := []byte{0x65, 0xAA}
	out := sw.prependParameterSets(idr)

	assert.Contains(t, string(out), string(sw.lastSPS))
	startCode := []byte{0, 0, 0, 1}
	assert.Equal(t, startCode, out[0:4])

	spsStart := len(startCode)
	assert.Equal(t, sw.lastSPS, out[spsStart:spsStart+len(sw.lastSPS)])

	ppsStart := spsStart + len(sw.lastSPS) + len(startCode)
	assert.Equal(t, sw.lastPPS, out[ppsStart:ppsStart+len(sw.lastPPS)])

	idrStart := ppsStart + len(sw.lastPPS)
	assert.Equal(t, idr, out[idrStart:])
}

func TestNewStreamWriterOpensFirstSegmentAndSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.h264")

	sw, err := NewStreamWriter(path)
	require.NoError(t, err)
	defer sw.Stop()

	firstSegment := filepath.Join(dir, "out_0001.h264")
	_, statErr := os.Stat(firstSegment)
	assert.NoError(t, statErr)

	sidecar, readErr := os.ReadFile(firstSegment + ".meta")
	require.NoError(t, readErr)
	assert.Contains(t, string(sidecar), "session=")
	assert.Contains(t, string(sidecar), "segment=1")
}

func TestStreamWriterStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	sw, err := NewStreamWriter(filepath.Join(dir, "out.h264"))
	require.NoError(t, err)

	sw.Stop()
	sw.Stop() // must not block or panic on a double stop
	assert.False(t, sw.running.Load())
}

func TestPushMetaRejectedAfterStop(t *testing.T) {
	dir := t.TempDir()
	sw, err := NewStreamWriter(filepath.Join(dir, "out.h264"))
	require.NoError(t, err)
	sw.Stop()

	accepted := sw.PushMeta(EncodedMeta{Core: &EncoderCore{}, SlotID: 0})
	assert.False(t, accepted)
}

func TestSetPacketsPerSegmentIgnoresNonPositive(t *testing.T) {
	sw := &StreamWriter{packetsPerSegment: DefaultPacketsPerSegment}
	sw.SetPacketsPerSegment(0)
	assert.Equal(t, DefaultPacketsPerSegment, sw.packetsPerSegment)
	sw.SetPacketsPerSegment(-5)
	assert.Equal(t, DefaultPacketsPerSegment, sw.packetsPerSegment)
	sw.SetPacketsPerSegment(30)
	assert.Equal(t, 30, sw.packetsPerSegment)
}
