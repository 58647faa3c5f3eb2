package mpp

/*
#include <stdlib.h>
#include <rockchip/rk_mpi.h>
#include <rockchip/mpp_err.h>

static MPP_RET ev_jpeg_put_frame(MppApi *mpi, MppCtx ctx, MppFrame frame) {
	return mpi->encode_put_frame(ctx, frame);
}
static MPP_RET ev_jpeg_get_packet(MppApi *mpi, MppCtx ctx, MppPacket *packet) {
	return mpi->encode_get_packet(ctx, packet);
}
*/
import "C"

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweerit/edgevision/dmabuf"
)

// JPEGConfig is JpegEncoder's own configuration, distinct from the
// video Config: a JPEG capture is a single stateless frame, so it
// carries no rate-control or GOP fields.
type JPEGConfig struct {
	Width   uint32
	Height  uint32
	Format  uint32 // MPP_FMT_YUV420SP (NV12) by default
	Quality int    // 0-10, matching the original's scale
	SaveDir string
}

// toMppConfig builds the FIXQP single-frame MJPEG Config this quality
// setting maps to, scaling the 0-10 input to MPP's q_factor range
// [1,99].
func (jc JPEGConfig) toMppConfig() Config {
	q := jc.Quality
	if q < 0 {
		q = 0
	}
	if q > 10 {
		q = 10
	}
	qf := q * 10
	if qf < 1 {
		qf = 1
	}
	if qf > 99 {
		qf = 99
	}
	format := jc.Format
	if format == 0 {
		format = mppFmtYUV420SP
	}
	return Config{
		CodecType:   CodecMJPEG,
		PrepWidth:   jc.Width,
		PrepHeight:  jc.Height,
		PrepFormat:  format,
		RCMode:      RCModeFixQP,
		RCFpsOutNum: 1, RCFpsOutDenom: 1,
		JPEGQFactor: qf,
		JPEGQFMax:   99,
		JPEGQFMin:   1,
		SEIMode:     SEIModeDisable,
		HeaderMode:  HeaderModeEachIDR,
	}
}

// JpegEncoder is a stateless single-shot MJPEG encoder: it owns one
// MPP session sized to its Config and, on each CaptureFromDmabuf call,
// builds a single MppFrame over the caller's DMA-BUF, submits it, and
// polls for the resulting packet (up to 50 tries, 2 ms apart). Unlike EncoderCore, there is no
// slot pool or worker goroutine: a still capture is rare enough, and
// latency-sensitive enough, that it runs synchronously on the calling
// goroutine.
type JpegEncoder struct {
	cfg         JPEGConfig
	encoderCtx  *EncoderContext
	initialized atomic.Bool
	log         *logrus.Entry
}

// NewJpegEncoder creates and configures a JPEG capture session.
func NewJpegEncoder(cfg JPEGConfig) (*JpegEncoder, error) {
	ctx, err := NewEncoderContext(cfg.toMppConfig())
	if err != nil {
		return nil, fmt.Errorf("mpp: jpeg encoder: %w", err)
	}
	if err := os.MkdirAll(cfg.SaveDir, 0o755); err != nil {
		ctx.Close()
		return nil, fmt.Errorf("mpp: jpeg encoder: mkdir save dir: %w", err)
	}
	j := &JpegEncoder{
		cfg:        cfg,
		encoderCtx: ctx,
		log:        logrus.WithField("component", "mpp.jpeg"),
	}
	j.initialized.Store(true)
	j.log.Infof("initialized: %dx%d, quality=%d", cfg.Width, cfg.Height, cfg.Quality)
	return j, nil
}

// ResetConfig reapplies a new JPEGConfig to the already-open session.
func (j *JpegEncoder) ResetConfig(cfg JPEGConfig) error {
	j.cfg = cfg
	return j.encoderCtx.ResetConfig(cfg.toMppConfig())
}

// CaptureFromDmabuf encodes a single JPEG from src and writes it to
// "<SaveDir>/YYYYMMDD_HHMMSS_mmm.jpg", returning the path written.
func (j *JpegEncoder) CaptureFromDmabuf(src *dmabuf.Buffer) (string, error) {
	if !j.initialized.Load() || src == nil {
		return "", fmt.Errorf("mpp: jpeg encoder: not initialized or invalid dmabuf")
	}

	var mppBuf C.MppBuffer
	var info C.MppBufferInfo
	info._type = C.MPP_BUFFER_TYPE_EXT_DMA
	info.fd = C.int(src.Fd())
	info.size = C.size_t(src.Size())
	if ret := C.mpp_buffer_import(&mppBuf, &info); ret != C.MPP_OK || mppBuf == nil {
		return "", fmt.Errorf("mpp: jpeg encoder: mpp_buffer_import failed: %d", int(ret))
	}
	defer C.mpp_buffer_put(mppBuf)

	var frame C.MppFrame
	if ret := C.mpp_frame_init(&frame); ret != C.MPP_OK || frame == nil {
		return "", fmt.Errorf("mpp: jpeg encoder: mpp_frame_init failed: %d", int(ret))
	}
	defer C.mpp_frame_deinit(&frame)

	C.mpp_frame_set_width(frame, C.RK_U32(src.Width()))
	C.mpp_frame_set_height(frame, C.RK_U32(src.Height()))
	C.mpp_frame_set_hor_stride(frame, C.RK_U32(src.Pitch()))
	C.mpp_frame_set_ver_stride(frame, C.RK_U32(src.Height()))
	C.mpp_frame_set_fmt(frame, C.MppFrameFormat(j.cfg.toMppConfig().PrepFormat))
	C.mpp_frame_set_buffer(frame, mppBuf)

	path := j.generateFilename()
	if err := j.encodeToFile(frame, path); err != nil {
		return "", fmt.Errorf("mpp: jpeg encoder: %w", err)
	}
	j.log.Infof("saved to: %s", path)
	return path, nil
}

const jpegMaxRetry = 50
const jpegPollInterval = 2 * time.Millisecond

func (j *JpegEncoder) encodeToFile(frame C.MppFrame, path string) error {
	api := j.encoderCtx.apiHandle()
	ctx := j.encoderCtx.ctxHandle()

	if ret := C.ev_jpeg_put_frame(api, ctx, frame); ret != C.MPP_OK {
		return fmt.Errorf("encode_put_frame failed: %d", int(ret))
	}

	var packet C.MppPacket
	for i := 0; i < jpegMaxRetry; i++ {
		ret := C.ev_jpeg_get_packet(api, ctx, &packet)
		if ret == C.MPP_OK && packet != nil {
			break
		}
		if ret != C.MPP_ERR_TIMEOUT {
			return fmt.Errorf("encode_get_packet error: %d", int(ret))
		}
		time.Sleep(jpegPollInterval)
	}
	if packet == nil {
		return fmt.Errorf("encode timeout")
	}
	defer C.mpp_packet_deinit(&packet)

	length := C.mpp_packet_get_length(packet)
	data := C.GoBytes(C.mpp_packet_get_data(packet), C.int(length))

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// generateFilename matches the original's timestamp-based naming:
// "<SaveDir>/YYYYMMDD_HHMMSS_mmm.jpg".
func (j *JpegEncoder) generateFilename() string {
	now := time.Now()
	name := fmt.Sprintf("%s_%03d.jpg", now.Format("20060102_150405"), now.Nanosecond()/1e6)
	return filepath.Join(j.cfg.SaveDir, name)
}

// Close tears down the MPP session.
func (j *JpegEncoder) Close() {
	if !j.initialized.CompareAndSwap(true, false) {
		return
	}
	j.encoderCtx.Close()
}
