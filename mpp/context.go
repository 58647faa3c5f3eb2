// Package mpp wraps the Rockchip MPP hardware video/JPEG encoder: a
// session-configuration layer (EncoderContext), a fixed-slot producer/
// consumer encode core (EncoderCore), and a segmented stream writer
// (StreamWriter) that rotates output files on I-frame boundaries.
package mpp

/*
#cgo LDFLAGS: -lrockchip_mpp
#include <stdlib.h>
#include <rockchip/rk_mpi.h>
#include <rockchip/mpp_err.h>
#include <string.h>

static MPP_RET ev_mpp_create(MppCtx *ctx, MppApi **mpi) {
	return mpp_create(ctx, mpi);
}

static MPP_RET ev_mpp_init(MppCtx ctx, MppCodingType type) {
	return mpp_init(ctx, MPP_CTX_ENC, type);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// CodecType selects the hardware codec an EncoderContext drives.
type CodecType int

const (
	CodecH264 CodecType = iota
	CodecH265
	CodecMJPEG
)

// RCMode is the MPP rate-control mode.
type RCMode int

const (
	RCModeVBR RCMode = iota
	RCModeCBR
	RCModeAVBR
	RCModeFixQP
)

// SEIMode controls how often SEI NAL units are emitted.
type SEIMode int

const (
	SEIModeDisable SEIMode = iota
	SEIModeOneFrame
)

// HeaderMode controls how often SPS/PPS parameter sets are re-emitted.
type HeaderMode int

const (
	HeaderModeEachIDR HeaderMode = iota
	HeaderModeFirstFrame
)

// Config mirrors MppEncoderContext::Config field-for-field, including
// its exact numeric defaults, so EncoderContext reproduces the original
// encoder's rate-control and profile behavior.
type Config struct {
	CodecType CodecType

	PrepWidth     uint32
	PrepHeight    uint32
	PrepHorStride uint32 // 0 means derive from PrepWidth
	PrepVerStride uint32 // 0 means derive from PrepHeight
	PrepFormat    uint32 // MPP_FMT_YUV420SP (NV12) by default
	PrepRotation  int
	PrepMirroring int

	RCMode        RCMode
	RCFpsInFlex   bool
	RCFpsInNum    uint32
	RCFpsInDenom  uint32
	RCFpsOutFlex  bool
	RCFpsOutNum   uint32
	RCFpsOutDenom uint32
	RCGop         uint32 // 0 means derive as RCFpsOutNum*2

	RCBpsTarget uint32
	RCBpsMax    uint32 // 0 means auto (target*17/16 VBR/AVBR, target*17/16 CBR)
	RCBpsMin    uint32 // 0 means auto (target*1/16 VBR/AVBR, target*15/16 CBR)

	RCForceIDRInterval uint32
	RCMaxReencTimes    int
	RCMaxIProp         uint32
	RCMinIProp         uint32
	RCInitIPRatio      uint32

	RCQPInit int
	RCQPMax  int
	RCQPMin  int
	RCQPMaxI int
	RCQPMinI int
	RCQPIP   int

	H264Profile int
	H264Level   int
	CabacEnable bool
	CabacIDC    int

	HEVCProfile int
	HEVCLevel   int

	JPEGQFactor int
	JPEGQFMax   int
	JPEGQFMin   int

	SEIMode    SEIMode
	HeaderMode HeaderMode

	HierQPEnable  bool
	HierFrameNum  [4]uint32
	HierQPDelta   [4]int
	RCDebreathEn  bool
	RCDropMode    int
	RCDropThd     uint32
	RCDropGap     uint32
	RCStatsTime   uint32
	RCColorRangeOverride int // -1 means "leave as-is"
}

// DefaultConfig returns the zero-tuned defaults from the original's
// Config constructor: 1080p H.264, VBR @ 4 Mbps, GOP 60.
func DefaultConfig() Config {
	return Config{
		CodecType: CodecH264,

		PrepWidth:  1920,
		PrepHeight: 1080,
		PrepFormat: mppFmtYUV420SP,

		RCMode:      RCModeVBR,
		RCFpsOutNum: 30,
		RCFpsOutDenom: 1,
		RCGop:       60,
		RCBpsTarget: 4 * 1024 * 1024,

		RCMaxReencTimes: 1,
		RCMaxIProp:      30,
		RCMinIProp:      10,
		RCInitIPRatio:   160,

		RCQPInit: -1,
		RCQPIP:   2,

		H264Profile: 77,
		H264Level:   30,

		HEVCProfile: 1,
		HEVCLevel:   30,

		JPEGQFactor: 90,
		JPEGQFMax:   99,
		JPEGQFMin:   1,

		SEIMode:    SEIModeOneFrame,
		HeaderMode: HeaderModeEachIDR,

		RCDropThd:   20,
		RCDropGap:   1,
		RCStatsTime: 3,

		RCColorRangeOverride: -1,
	}
}

const mppFmtYUV420SP = 0x1 // MPP_FMT_YUV420SP, kept local to avoid a full mpp_frame.h cgo surface

// effectiveBitrateBand returns (bpsMax, bpsMin) applying the original's
// auto-band formula when the config leaves them at 0.
func effectiveBitrateBand(cfg Config) (uint32, uint32) {
	max, min := cfg.RCBpsMax, cfg.RCBpsMin
	switch cfg.RCMode {
	case RCModeCBR:
		if max == 0 {
			max = cfg.RCBpsTarget * 17 / 16
		}
		if min == 0 {
			min = cfg.RCBpsTarget * 15 / 16
		}
	case RCModeVBR, RCModeAVBR:
		if max == 0 {
			max = cfg.RCBpsTarget * 17 / 16
		}
		if min == 0 {
			min = cfg.RCBpsTarget * 1 / 16
		}
	}
	return max, min
}

// effectiveGop returns RCGop, or fps*2 when RCGop is left at 0.
func effectiveGop(cfg Config) uint32 {
	if cfg.RCGop != 0 {
		return cfg.RCGop
	}
	return cfg.RCFpsOutNum * 2
}

// ValidateForFfmpeg rejects configurations whose parameter-set cadence
// would produce a stream ffmpeg's MP4 remuxer cannot parse: non-EACH_IDR
// header mode combined with a segment rotation shorter than the GOP.
// JPEG configs are exempt (no segment rotation applies to them).
func ValidateForFfmpeg(cfg Config, packetsPerSegment uint32) error {
	if cfg.CodecType == CodecMJPEG {
		return nil
	}
	if cfg.HeaderMode != HeaderModeEachIDR && packetsPerSegment < effectiveGop(cfg) {
		return fmt.Errorf("mpp: header mode %v with segment length %d shorter than GOP %d would drop parameter sets mid-segment", cfg.HeaderMode, packetsPerSegment, effectiveGop(cfg))
	}
	return nil
}

// FixForFfmpeg coerces a config to values ffmpeg's demuxer/remuxer
// chain is known to handle: NV12 input, MPEG color range, H.264/H.265
// only, profile in {77 (Main), 100 (High)}, and a resolution-appropriate
// level.
func FixForFfmpeg(cfg Config) Config {
	cfg.PrepFormat = mppFmtYUV420SP
	cfg.RCColorRangeOverride = 1 // MPEG range (16-235)

	switch cfg.CodecType {
	case CodecH264:
		if cfg.H264Profile != 77 && cfg.H264Profile != 100 {
			cfg.H264Profile = 100
		}
		cfg.H264Level = levelForResolution(cfg.PrepWidth, cfg.PrepHeight)
	case CodecH265:
		cfg.HEVCLevel = levelForResolution(cfg.PrepWidth, cfg.PrepHeight)
	default:
		cfg.CodecType = CodecH264
		cfg.H264Profile = 100
		cfg.H264Level = levelForResolution(cfg.PrepWidth, cfg.PrepHeight)
	}
	return cfg
}

func levelForResolution(width, height uint32) int {
	pixels := width * height
	switch {
	case pixels <= 1280*720:
		return 31
	case pixels <= 1920*1080:
		return 40
	default:
		return 51
	}
}

// EncoderContext owns one MPP encode session: the native ctx/api
// handles plus the applied Config. One EncoderContext backs one
// EncoderCore.
type EncoderContext struct {
	mu  sync.Mutex
	ctx C.MppCtx
	api *C.MppApi
	cfg Config
	log *logrus.Entry
}

// NewEncoderContext creates and configures an MPP encode session.
func NewEncoderContext(cfg Config) (*EncoderContext, error) {
	ec := &EncoderContext{
		cfg: cfg,
		log: logrus.WithField("component", "mpp.context"),
	}
	if err := ec.init(); err != nil {
		return nil, err
	}
	return ec, nil
}

func (ec *EncoderContext) init() error {
	if ret := C.ev_mpp_create(&ec.ctx, &ec.api); ret != C.MPP_OK {
		return fmt.Errorf("mpp: mpp_create failed: %d", int(ret))
	}
	if ret := C.ev_mpp_init(ec.ctx, codingType(ec.cfg.CodecType)); ret != C.MPP_OK {
		return fmt.Errorf("mpp: mpp_init failed: %d", int(ret))
	}
	return ec.applyConfig()
}

func codingType(t CodecType) C.MppCodingType {
	switch t {
	case CodecH265:
		return C.MPP_VIDEO_CodingHEVC
	case CodecMJPEG:
		return C.MPP_VIDEO_CodingMJPEG
	default:
		return C.MPP_VIDEO_CodingAVC
	}
}

// applyConfig pushes every Config field into the MPP session via
// mpp_enc_cfg_set_s32/MPP_ENC_SET_CFG, mirroring
// MppEncoderContext::applyConfig's key-by-key set sequence.
func (ec *EncoderContext) applyConfig() error {
	isMjpeg := ec.cfg.CodecType == CodecMJPEG
	if !isMjpeg {
		if err := ValidateForFfmpeg(ec.cfg, effectiveGop(ec.cfg)); err != nil {
			ec.log.WithError(err).Warn("config failed ffmpeg compatibility check")
		}
	}

	var mppCfg C.MppEncCfg
	if ret := C.mpp_enc_cfg_init(&mppCfg); ret != C.MPP_OK {
		return fmt.Errorf("mpp: mpp_enc_cfg_init failed: %d", int(ret))
	}
	defer C.mpp_enc_cfg_deinit(mppCfg)

	set := func(key string, value int32) {
		ckey := C.CString(key)
		defer freeCString(ckey)
		if ret := C.mpp_enc_cfg_set_s32(mppCfg, ckey, C.RK_S32(value)); ret != C.MPP_OK {
			ec.log.Warnf("mpp: set %s failed: %d", key, int(ret))
		}
	}

	horStride := ec.cfg.PrepHorStride
	if horStride == 0 {
		horStride = ec.cfg.PrepWidth
	}
	verStride := ec.cfg.PrepVerStride
	if verStride == 0 {
		verStride = ec.cfg.PrepHeight
	}
	set("prep:width", int32(ec.cfg.PrepWidth))
	set("prep:height", int32(ec.cfg.PrepHeight))
	set("prep:hor_stride", int32(horStride))
	set("prep:ver_stride", int32(verStride))
	set("prep:format", int32(ec.cfg.PrepFormat))
	set("prep:rotation", int32(ec.cfg.PrepRotation))
	set("prep:mirroring", int32(ec.cfg.PrepMirroring))

	set("rc:mode", int32(ec.cfg.RCMode))

	if !isMjpeg {
		set("rc:fps_in_num", int32(ec.cfg.RCFpsInNum))
		set("rc:fps_in_denorm", int32(ec.cfg.RCFpsInDenom))
		set("rc:fps_out_num", int32(ec.cfg.RCFpsOutNum))
		set("rc:fps_out_denorm", int32(ec.cfg.RCFpsOutDenom))
		set("rc:gop", int32(effectiveGop(ec.cfg)))
		set("rc:drop_mode", int32(ec.cfg.RCDropMode))
		set("rc:drop_thd", int32(ec.cfg.RCDropThd))
		set("rc:drop_gap", int32(ec.cfg.RCDropGap))
		set("rc:bps_target", int32(ec.cfg.RCBpsTarget))

		if ec.cfg.RCMode != RCModeFixQP {
			max, min := effectiveBitrateBand(ec.cfg)
			set("rc:bps_max", int32(max))
			set("rc:bps_min", int32(min))
		}
		if ec.cfg.RCForceIDRInterval > 0 {
			set("rc:force_idr_interval", int32(ec.cfg.RCForceIDRInterval))
		}
	}

	switch ec.cfg.CodecType {
	case CodecH264, CodecH265:
		if ec.cfg.RCMode == RCModeFixQP {
			set("rc:qp_init", int32(ec.cfg.RCQPInit))
			set("rc:qp_max", int32(ec.cfg.RCQPInit))
			set("rc:qp_min", int32(ec.cfg.RCQPInit))
			set("rc:qp_max_i", int32(ec.cfg.RCQPInit))
			set("rc:qp_min_i", int32(ec.cfg.RCQPInit))
			set("rc:qp_ip", 0)
		} else {
			set("rc:qp_init", int32(orDefault(ec.cfg.RCQPInit, -1)))
			set("rc:qp_max", int32(orDefaultU(ec.cfg.RCQPMax, 51)))
			set("rc:qp_min", int32(orDefaultU(ec.cfg.RCQPMin, 10)))
			set("rc:qp_max_i", int32(orDefaultU(ec.cfg.RCQPMaxI, 51)))
			set("rc:qp_min_i", int32(orDefaultU(ec.cfg.RCQPMinI, 10)))
			set("rc:qp_ip", int32(orDefaultU(ec.cfg.RCQPIP, 2)))
		}
	case CodecMJPEG:
		set("jpeg:q_factor", int32(ec.cfg.JPEGQFactor))
		set("jpeg:qf_max", int32(ec.cfg.JPEGQFMax))
		set("jpeg:qf_min", int32(ec.cfg.JPEGQFMin))
	}

	set("codec:type", int32(codingType(ec.cfg.CodecType)))
	switch ec.cfg.CodecType {
	case CodecH264:
		set("h264:profile", int32(ec.cfg.H264Profile))
		set("h264:level", int32(ec.cfg.H264Level))
		cabac := int32(0)
		if ec.cfg.CabacEnable {
			cabac = 1
		}
		set("h264:cabac_en", cabac)
		set("h264:cabac_idc", int32(ec.cfg.CabacIDC))
		set("h264:trans8x8", 1)
	case CodecH265:
		set("hevc:profile", int32(ec.cfg.HEVCProfile))
		set("hevc:level", int32(ec.cfg.HEVCLevel))
	}

	if !isMjpeg {
		sei := C.RK_U32(ec.cfg.SEIMode)
		ec.api.control(ec.ctx, C.MPP_ENC_SET_SEI_CFG, unsafe.Pointer(&sei))
		if ec.cfg.CodecType == CodecH264 || ec.cfg.CodecType == CodecH265 {
			header := C.RK_U32(ec.cfg.HeaderMode)
			ec.api.control(ec.ctx, C.MPP_ENC_SET_HEADER_MODE, unsafe.Pointer(&header))
		}
	}

	if ec.cfg.RCColorRangeOverride >= 0 {
		set("rc:color_range_override", int32(ec.cfg.RCColorRangeOverride))
	}

	if ret := ec.api.control(ec.ctx, C.MPP_ENC_SET_CFG, unsafe.Pointer(mppCfg)); ret != C.MPP_OK {
		return fmt.Errorf("mpp: MPP_ENC_SET_CFG failed: %d", int(ret))
	}
	return nil
}

func freeCString(s *C.char) {
	C.free(unsafe.Pointer(s))
}

func orDefault(v, def int) int {
	if v >= 0 {
		return v
	}
	return def
}

func orDefaultU(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// ResetConfig reapplies a new Config to an already-created session,
// used by EncoderCore.ResetConfig for hot reconfiguration.
func (ec *EncoderContext) ResetConfig(cfg Config) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.cfg = cfg
	return ec.applyConfig()
}

// Config returns the currently-applied configuration.
func (ec *EncoderContext) Config() Config {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.cfg
}

func (ec *EncoderContext) ctxHandle() C.MppCtx { return ec.ctx }
func (ec *EncoderContext) apiHandle() *C.MppApi { return ec.api }

// Close tears down the MPP session.
func (ec *EncoderContext) Close() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.ctx != nil {
		C.mpp_destroy(ec.ctx)
		ec.ctx = nil
		ec.api = nil
	}
}
