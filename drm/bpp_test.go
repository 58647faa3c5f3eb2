package drm

import "testing"

func TestCalculateBpp(t *testing.T) {
	cases := map[uint32]uint32{
		FormatNV12:     8,
		FormatRGB565:   16,
		FormatRGB888:   24,
		FormatARGB8888: 32,
		0xdeadbeef:     0,
	}
	for format, want := range cases {
		if got := CalculateBpp(format); got != want {
			t.Errorf("CalculateBpp(%x) = %d, want %d", format, got, want)
		}
	}
}

func TestGetPlaneInfoNV12HasSingleContiguousPlane(t *testing.T) {
	info := GetPlaneInfo(FormatNV12)
	if info.PlaneCount() != 1 {
		t.Fatalf("expected NV12 to report 1 contiguous plane, got %d", info.PlaneCount())
	}
	ratio := info.Plane(0)
	if ratio.H != 1.5 {
		t.Errorf("expected NV12 height ratio 1.5 (luma+chroma packed), got %v", ratio.H)
	}
}

func TestGetPlaneInfoUnknownFormatDefaultsToSinglePlane(t *testing.T) {
	info := GetPlaneInfo(0xdeadbeef)
	if info.PlaneCount() != 1 {
		t.Fatalf("expected default single plane, got %d", info.PlaneCount())
	}
}

func TestConvertV4L2ToDrmFormat(t *testing.T) {
	got := ConvertV4L2ToDrmFormat(fourcc('N', 'V', '1', '2'))
	if got != FormatNV12 {
		t.Errorf("expected NV12 -> NV12, got %x", got)
	}

	nv61 := ConvertV4L2ToDrmFormat(fourcc('N', 'V', '6', '1'))
	if nv61 != FormatNV16 {
		t.Errorf("expected NV61 to map onto DRM NV16 (no distinct NV61 code), got %x", nv61)
	}

	if got := ConvertV4L2ToDrmFormat(0xdeadbeef); got != 0 {
		t.Errorf("expected unknown format to map to 0, got %x", got)
	}
}
