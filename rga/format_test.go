package rga

import "testing"

func TestToDRMRoundTrip(t *testing.T) {
	cases := []Format{
		FormatRGB565, FormatRGB888, FormatBGR888, FormatRGBA8888, FormatBGRA8888,
		FormatARGB8888, FormatABGR8888, FormatXRGB8888, FormatXBGR8888,
		FormatRGBX8888, FormatBGRX8888, FormatYCbCr420SP, FormatYCrCb420SP,
		FormatYCbCr420P, FormatYCrCb420P, FormatYCbCr422SP, FormatYCrCb422SP,
		FormatYCbCr422P, FormatYCrCb422P,
	}
	for _, f := range cases {
		drm, ok := ToDRM(f)
		if !ok {
			t.Fatalf("ToDRM(%v): no mapping", f)
		}
		back, ok := FromDRM(drm)
		if !ok {
			t.Fatalf("FromDRM(%v): no mapping", drm)
		}
		if back != f {
			t.Errorf("round trip mismatch: %v -> %v -> %v", f, drm, back)
		}
	}
}

func TestRGBA8888CrossesToABGR(t *testing.T) {
	// RGA names channel order low-to-high (R,G,B,A in byte 0..3); DRM
	// names it high-to-low. The same byte layout is RGA:RGBA8888 and
	// DRM:ABGR8888 — a same-name mapping would silently swap channels.
	drm, ok := ToDRM(FormatRGBA8888)
	if !ok {
		t.Fatal("expected mapping for RGBA8888")
	}
	if drm != drmABGR8888 {
		t.Errorf("expected RGA RGBA8888 to map to DRM ABGR8888, got %v", drm)
	}
}

func TestV4L2RoundTrip(t *testing.T) {
	cases := []uint32{
		fourccU32('N', 'V', '1', '2'),
		fourccU32('N', 'V', '2', '1'),
		fourccU32('Y', 'U', '1', '2'),
		fourccU32('Y', 'V', '1', '2'),
	}
	for _, fourcc := range cases {
		f, ok := FromV4L2(fourcc)
		if !ok {
			t.Fatalf("FromV4L2(%v): no mapping", fourcc)
		}
		back, ok := ToV4L2(f)
		if !ok {
			t.Fatalf("ToV4L2(%v): no mapping", f)
		}
		if back != fourcc {
			t.Errorf("round trip mismatch: %v -> %v -> %v", fourcc, f, back)
		}
	}
}

func TestFromDRMUnknownFails(t *testing.T) {
	_, ok := FromDRM(DRMFourCC(0))
	if ok {
		t.Error("expected no mapping for fourcc 0")
	}
}
