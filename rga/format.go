// Package rga drives the Rockchip 2D accelerator for NV12-to-RGB format
// conversion and provides the RGA<->DRM<->V4L2 fourcc translation tables
// the original keeps separate because RGA names channel order low-to-high
// (B,G,R,A) while DRM fourcc names it high-to-low (A,R,G,B): a same-letter
// mapping between the two would silently swap channels.
package rga

// Format is an RK_FORMAT_* constant, as defined by librga's RgaUtils.h.
type Format int

const (
	FormatRGB565     Format = 0x3 << 0
	FormatRGB888     Format = 0x2 << 0
	FormatBGR888     Format = 0x9 << 0
	FormatRGBA8888   Format = 0x0 << 0
	FormatBGRA8888   Format = 0x5 << 0
	FormatARGB8888   Format = 0xC << 0
	FormatABGR8888   Format = 0x7 << 0
	FormatXRGB8888   Format = 0xD << 0
	FormatXBGR8888   Format = 0x8 << 0
	FormatRGBX8888   Format = 0x1 << 0
	FormatBGRX8888   Format = 0x4 << 0
	FormatYCbCr420SP Format = 0x2 << 8 // NV12
	FormatYCrCb420SP Format = 0x3 << 8 // NV21
	FormatYCbCr420P  Format = 0x0 << 8 // I420
	FormatYCrCb420P  Format = 0x1 << 8 // YV12
	FormatYCbCr422SP Format = 0x6 << 8
	FormatYCrCb422SP Format = 0x7 << 8
	FormatYCbCr422P  Format = 0x4 << 8
	FormatYCrCb422P  Format = 0x5 << 8
)

// DRMFourCC mirrors the handful of drm_fourcc.h codes this pipeline
// exchanges with RGA.
type DRMFourCC uint32

func drmFourCC(a, b, c, d byte) DRMFourCC {
	return DRMFourCC(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var (
	drmRGB565   = drmFourCC('R', 'G', '1', '6')
	drmRGB888   = drmFourCC('R', 'G', '2', '4')
	drmBGR888   = drmFourCC('B', 'G', '2', '4')
	drmABGR8888 = drmFourCC('A', 'B', '2', '4')
	drmARGB8888 = drmFourCC('A', 'R', '2', '4')
	drmBGRA8888 = drmFourCC('B', 'A', '2', '4')
	drmRGBA8888 = drmFourCC('R', 'A', '2', '4')
	drmBGRX8888 = drmFourCC('B', 'X', '2', '4')
	drmRGBX8888 = drmFourCC('R', 'X', '2', '4')
	drmXBGR8888 = drmFourCC('X', 'B', '2', '4')
	drmXRGB8888 = drmFourCC('X', 'R', '2', '4')
	drmNV12     = drmFourCC('N', 'V', '1', '2')
	drmNV21     = drmFourCC('N', 'V', '2', '1')
	drmYUV420   = drmFourCC('Y', 'U', '1', '2')
	drmYVU420   = drmFourCC('Y', 'V', '1', '2')
	drmNV16     = drmFourCC('N', 'V', '1', '6')
	drmNV61     = drmFourCC('N', 'V', '6', '1')
	drmYUV422   = drmFourCC('Y', 'U', '1', '6')
	drmYVU422   = drmFourCC('Y', 'V', '1', '6')
)

// rgaToDRM mirrors the original's rgaToDrmFormat map, including the
// deliberate channel-order crossovers (RGA:RGBA -> DRM:ABGR etc.) — RGA
// and DRM name the same byte layout from opposite ends.
var rgaToDRM = map[Format]DRMFourCC{
	FormatRGB565:     drmRGB565,
	FormatRGB888:     drmRGB888,
	FormatBGR888:     drmBGR888,
	FormatRGBA8888:   drmABGR8888,
	FormatBGRA8888:   drmARGB8888,
	FormatARGB8888:   drmBGRA8888,
	FormatABGR8888:   drmRGBA8888,
	FormatXRGB8888:   drmBGRX8888,
	FormatXBGR8888:   drmRGBX8888,
	FormatRGBX8888:   drmXBGR8888,
	FormatBGRX8888:   drmXRGB8888,
	FormatYCbCr420SP: drmNV12,
	FormatYCrCb420SP: drmNV21,
	FormatYCbCr420P:  drmYUV420,
	FormatYCrCb420P:  drmYVU420,
	FormatYCbCr422SP: drmNV16,
	FormatYCrCb422SP: drmNV61,
	FormatYCbCr422P:  drmYUV422,
	FormatYCrCb422P:  drmYVU422,
}

var drmToRGA = invertDRM(rgaToDRM)

func invertDRM(m map[Format]DRMFourCC) map[DRMFourCC]Format {
	out := make(map[DRMFourCC]Format, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// ToDRM converts an RGA format to its DRM fourcc equivalent. ok is false
// for formats with no mapping.
func ToDRM(f Format) (DRMFourCC, bool) {
	v, ok := rgaToDRM[f]
	return v, ok
}

// FromDRM converts a DRM fourcc to its RGA format equivalent.
func FromDRM(f DRMFourCC) (Format, bool) {
	v, ok := drmToRGA[f]
	return v, ok
}

// v4l2ToRGA mirrors the original's v4l2ToRgaFormat map. Keys are V4L2
// pixel format fourccs (little-endian packed, matching v4l2.PixFmt).
var v4l2ToRGA = map[uint32]Format{
	fourccU32('N', 'V', '1', '2'): FormatYCbCr420SP,
	fourccU32('N', 'V', '2', '1'): FormatYCrCb420SP,
	fourccU32('Y', 'U', '1', '2'): FormatYCbCr420P,
	fourccU32('Y', 'V', '1', '2'): FormatYCrCb420P,
	fourccU32('N', 'V', '1', '6'): FormatYCbCr422SP,
	fourccU32('N', 'V', '6', '1'): FormatYCrCb422SP,
	fourccU32('Y', 'U', 'Y', 'V'): 0x8 << 8, // RK_FORMAT_YUYV_422
	fourccU32('U', 'Y', 'V', 'Y'): 0x9 << 8, // RK_FORMAT_UYVY_422
}

var rgaToV4L2 = invertV4L2(v4l2ToRGA)

func invertV4L2(m map[uint32]Format) map[Format]uint32 {
	out := make(map[Format]uint32, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

func fourccU32(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// ToV4L2 converts an RGA format to its V4L2 fourcc equivalent.
func ToV4L2(f Format) (uint32, bool) {
	v, ok := rgaToV4L2[f]
	return v, ok
}

// FromV4L2 converts a V4L2 fourcc to its RGA format equivalent.
func FromV4L2(fourcc uint32) (Format, bool) {
	v, ok := v4l2ToRGA[fourcc]
	return v, ok
}
