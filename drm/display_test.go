package drm

import "testing"

func TestPlaneHandleValid(t *testing.T) {
	valid := PlaneHandle{id: 3}
	if !valid.Valid() {
		t.Error("expected handle with non-negative id to be valid")
	}
	invalid := PlaneHandle{id: -1}
	if invalid.Valid() {
		t.Error("expected handle with negative id to be invalid")
	}
}
