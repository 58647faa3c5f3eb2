package dmabuf

import "testing"

func TestAlignUp(t *testing.T) {
	cases := []struct {
		v, align, want uint32
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{1280, 64, 1280},
		{1281, 64, 1344},
	}
	for _, c := range cases {
		if got := alignUp(c.v, c.align); got != c.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", c.v, c.align, got, c.want)
		}
	}
}

func TestAllocateRequiresDRMFd(t *testing.T) {
	SetDRMFd(-1)
	_, err := Allocate(1280, 720, 0, 1000, 0, 12)
	if err == nil {
		t.Fatal("expected error when DRM fd not initialized")
	}
}
