package mpp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sweerit/edgevision/internal/bitstream"
)

// DefaultPacketsPerSegment is the original's I-frame count threshold
// for rotating to a new segment file.
const DefaultPacketsPerSegment = 60

const flushThreshold = 2 * 1024 * 1024 // 2MB, matches the original writer loop

// queuedPacket is what the dispatch goroutine hands a writer goroutine:
// the slot-release handle and the already-fetched packet bytes, so the
// writer never needs to (and cannot, since TryGetEncodedPacket clears
// the slot's copy on first read) re-fetch it.
type queuedPacket struct {
	meta   EncodedMeta
	packet EncodedPacket
}

type writerCtx struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []queuedPacket
	file  *os.File

	accumulated int
}

// StreamWriter dispatches encoded packets from one EncoderCore to a
// pair of alternating writer goroutines, rotating to a new segment file
// every PacketsPerSegment I-frames. Each segment is re-prepended with
// the stream's current SPS/PPS so it can be demuxed standalone, since
// the encoder only emits parameter sets on IDR (HeaderModeEachIDR).
type StreamWriter struct {
	baseName  string
	suffix    string
	sessionID string

	packetsPerSegment int
	currentCount      int
	segmentIndex      int

	dispatchMu   sync.Mutex
	dispatchCond *sync.Cond
	dispatchQ    []EncodedMeta

	writerA, writerB *writerCtx
	current, idle    *writerCtx

	firstIframeNeed bool
	lastSPS, lastPPS []byte

	running atomic.Bool
	wg      sync.WaitGroup

	log *logrus.Entry
}

// NewStreamWriter splits path into a base name and suffix (e.g.
// "output.h264" -> base "output", suffix ".h264"), opens the first
// segment file, and starts the dispatch and writer goroutines.
func NewStreamWriter(path string) (*StreamWriter, error) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	sw := &StreamWriter{
		baseName:          base,
		suffix:            ext,
		sessionID:         uuid.NewString(),
		packetsPerSegment: DefaultPacketsPerSegment,
		segmentIndex:      1,
		firstIframeNeed:   true,
		writerA:           &writerCtx{},
		writerB:           &writerCtx{},
		log:               logrus.WithField("component", "mpp.streamwriter"),
	}
	sw.writerA.cond = sync.NewCond(&sw.writerA.mu)
	sw.writerB.cond = sync.NewCond(&sw.writerB.mu)
	sw.dispatchCond = sync.NewCond(&sw.dispatchMu)
	sw.current = sw.writerA
	sw.idle = sw.writerB
	sw.running.Store(true)

	if err := sw.openNewSegmentFor(sw.current); err != nil {
		sw.log.WithError(err).Error("failed to open initial segment file")
	}

	sw.wg.Add(3)
	go sw.dispatchLoop()
	go sw.writerLoop(sw.writerA)
	go sw.writerLoop(sw.writerB)
	return sw, nil
}

// SetPacketsPerSegment overrides the default I-frame-count rotation
// threshold. Must be called before the first PushMeta to take effect
// deterministically.
func (sw *StreamWriter) SetPacketsPerSegment(n int) {
	if n > 0 {
		sw.packetsPerSegment = n
	}
}

func makeSegmentFilename(base string, idx int, suffix string) string {
	return fmt.Sprintf("%s_%04d%s", base, idx, suffix)
}

func (sw *StreamWriter) openNewSegmentFor(ctx *writerCtx) error {
	filename := makeSegmentFilename(sw.baseName, sw.segmentIndex, sw.suffix)
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("mpp: failed to open segment file %s: %w", filename, err)
	}
	ctx.mu.Lock()
	old := ctx.file
	ctx.file = f
	ctx.accumulated = 0
	ctx.mu.Unlock()
	if old != nil {
		dropPageCache(old)
		old.Close()
	}
	sw.writeSegmentSidecar(filename)
	return nil
}

// writeSegmentSidecar drops a "<segment>.meta" text file tagging the
// segment with this StreamWriter's session ID, so segments from
// concurrent recordings (or restarted recordings that land on the same
// wall-clock second) can be told apart without parsing the bitstream.
func (sw *StreamWriter) writeSegmentSidecar(segmentPath string) {
	contents := fmt.Sprintf("session=%s\nsegment=%d\n", sw.sessionID, sw.segmentIndex)
	if err := os.WriteFile(segmentPath+".meta", []byte(contents), 0o644); err != nil {
		sw.log.WithError(err).Warn("failed to write segment sidecar metadata")
	}
}

// PushMeta enqueues an encoder result for dispatch. Non-blocking;
// returns false if the writer has already been stopped.
func (sw *StreamWriter) PushMeta(meta EncodedMeta) bool {
	if !sw.running.Load() {
		return false
	}
	if meta.Core == nil {
		return false
	}
	sw.dispatchMu.Lock()
	sw.dispatchQ = append(sw.dispatchQ, meta)
	sw.dispatchCond.Broadcast()
	sw.dispatchMu.Unlock()
	return true
}

func (sw *StreamWriter) dispatchLoop() {
	defer sw.wg.Done()
	for {
		sw.dispatchMu.Lock()
		for len(sw.dispatchQ) == 0 && sw.running.Load() {
			sw.dispatchCond.Wait()
		}
		if !sw.running.Load() && len(sw.dispatchQ) == 0 {
			sw.dispatchMu.Unlock()
			return
		}
		meta := sw.dispatchQ[0]
		sw.dispatchQ = sw.dispatchQ[1:]
		sw.dispatchMu.Unlock()

		guard := NewSlotGuard(meta.Core, meta.SlotID)
		packet, ok := sw.obtainPacket(meta)
		if !ok {
			guard.Release()
			continue
		}

		if packet.KeyFrame {
			sps, pps := bitstream.ExtractParameterSets(packet.Data)
			if sps != nil {
				sw.lastSPS = sps
			}
			if pps != nil {
				sw.lastPPS = pps
			}
			sw.firstIframeNeed = false

			sw.currentCount++
			if sw.currentCount >= sw.packetsPerSegment {
				sw.rotateSegment()
			}
		}

		if sw.firstIframeNeed {
			guard.Release()
			continue
		}

		guard.Disarm() // the writer goroutine releases the slot after writing
		cur := sw.currentWriter()
		cur.mu.Lock()
		cur.queue = append(cur.queue, queuedPacket{meta: meta, packet: packet})
		cur.cond.Signal()
		cur.mu.Unlock()
	}
}

func (sw *StreamWriter) rotateSegment() {
	sw.segmentIndex++
	sw.log.Infof("switching to segment index %d", sw.segmentIndex)
	if err := sw.openNewSegmentFor(sw.idle); err != nil {
		sw.log.WithError(err).Error("failed to open next segment file")
	}
	sw.current, sw.idle = sw.idle, sw.current
	sw.currentCount = 0
}

func (sw *StreamWriter) currentWriter() *writerCtx {
	return sw.current
}

const obtainPacketRetries = 200

func (sw *StreamWriter) obtainPacket(meta EncodedMeta) (EncodedPacket, bool) {
	for i := 0; i < obtainPacketRetries && sw.running.Load(); i++ {
		if pkt, ok := meta.Core.TryGetEncodedPacket(meta); ok {
			return pkt, true
		}
		time.Sleep(100 * time.Microsecond)
	}
	sw.log.Warnf("timeout waiting for packet, slot %d dropped", meta.SlotID)
	return EncodedPacket{}, false
}

func (sw *StreamWriter) writerLoop(ctx *writerCtx) {
	defer sw.wg.Done()
	for {
		ctx.mu.Lock()
		for len(ctx.queue) == 0 && sw.running.Load() {
			ctx.cond.Wait()
		}
		if !sw.running.Load() && len(ctx.queue) == 0 {
			ctx.mu.Unlock()
			return
		}
		qp := ctx.queue[0]
		ctx.queue = ctx.queue[1:]
		file := ctx.file
		ctx.mu.Unlock()

		guard := NewSlotGuard(qp.meta.Core, qp.meta.SlotID)
		sw.writePacket(ctx, file, qp.packet, guard)
	}
}

func (sw *StreamWriter) writePacket(ctx *writerCtx, file *os.File, pkt EncodedPacket, guard *SlotGuard) {
	defer guard.Release()

	if file == nil {
		sw.log.Warn("writerLoop: file is nil, dropping packet")
		return
	}
	if pkt.Data == nil {
		sw.log.Warn("writerLoop: packet data is nil, dropping packet")
		return
	}

	payload := pkt.Data
	if pkt.KeyFrame {
		payload = sw.prependParameterSets(pkt.Data)
	}

	n, err := file.Write(payload)
	if err != nil || n != len(payload) {
		sw.log.WithError(err).Warnf("short write: %d/%d", n, len(payload))
	}

	ctx.mu.Lock()
	ctx.accumulated += n
	shouldFlush := ctx.accumulated >= flushThreshold
	if shouldFlush {
		ctx.accumulated = 0
	}
	ctx.mu.Unlock()
	if shouldFlush {
		if err := file.Sync(); err != nil {
			sw.log.WithError(err).Warn("flush error")
		}
		dropPageCache(file)
	}
}

// dropPageCache advises the kernel to evict the file's page cache after
// a flush, via posix_fadvise(DONTNEED), so a continuous recording
// doesn't pin the whole segment's written bytes in RAM. offset/length 0
// covers the whole file.
func dropPageCache(file *os.File) {
	if err := unix.Fadvise(int(file.Fd()), 0, 0, unix.FADV_DONTNEED); err != nil {
		logrus.WithError(err).WithField("component", "mpp.streamwriter").Debug("posix_fadvise(DONTNEED) failed")
	}
}

// prependParameterSets re-emits SPS/PPS ahead of every keyframe packet
// (including the IDR that starts each segment), so a segment file is independently demuxable even though
// the encoder only wrote them inline on the original (continuous)
// stream once per the HeaderMode cadence.
func (sw *StreamWriter) prependParameterSets(idr []byte) []byte {
	if sw.lastSPS == nil || sw.lastPPS == nil {
		return idr
	}
	startCode := []byte{0, 0, 0, 1}
	out := make([]byte, 0, len(idr)+len(sw.lastSPS)+len(sw.lastPPS)+2*len(startCode))
	out = append(out, startCode...)
	out = append(out, sw.lastSPS...)
	out = append(out, startCode...)
	out = append(out, sw.lastPPS...)
	out = append(out, idr...)
	return out
}

// Stop halts the dispatch and writer goroutines and closes both
// segment files. Safe to call more than once.
func (sw *StreamWriter) Stop() {
	if !sw.running.CompareAndSwap(true, false) {
		return
	}

	sw.dispatchMu.Lock()
	sw.dispatchCond.Broadcast()
	sw.dispatchMu.Unlock()
	sw.writerA.mu.Lock()
	sw.writerA.cond.Broadcast()
	sw.writerA.mu.Unlock()
	sw.writerB.mu.Lock()
	sw.writerB.cond.Broadcast()
	sw.writerB.mu.Unlock()

	sw.wg.Wait()

	for _, ctx := range []*writerCtx{sw.writerA, sw.writerB} {
		if ctx.file != nil {
			dropPageCache(ctx.file)
			ctx.file.Close()
		}
	}
}
