package v4l2

/*
#include <linux/videodev2.h>
#include <string.h>
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// ControlInfo describes one queried V4L2 control's id and legal range.
type ControlInfo struct {
	ID      uint32
	Name    string
	Min     int32
	Max     int32
	Step    int32
	Default int32
}

const (
	CIDExposure = uint32(C.V4L2_CID_EXPOSURE)
	CIDHFlip    = uint32(C.V4L2_CID_HFLIP)
	CIDVFlip    = uint32(C.V4L2_CID_VFLIP)
)

// ParamControl queries and sets V4L2 user controls (exposure, mirror
// flips, ...) against an already-opened device fd. It does not own the
// fd and never closes it.
type ParamControl struct {
	fd  int
	log *logrus.Entry
}

// NewParamControl wraps an open device fd for control access.
func NewParamControl(fd int) *ParamControl {
	return &ParamControl{fd: fd, log: logrus.WithField("component", "v4l2.control")}
}

// QueryAllControls walks the V4L2_CID_BASE..V4L2_CID_LASTP1 user-class
// range plus the extended-control ID space, returning every control the
// driver reports as present and not disabled.
func (p *ParamControl) QueryAllControls() []ControlInfo {
	var infos []ControlInfo
	id := uint32(C.V4L2_CID_BASE) | uint32(C.V4L2_CTRL_FLAG_NEXT_CTRL)
	for {
		var qc C.struct_v4l2_queryctrl
		qc.id = C.__u32(id)
		if err := ioctl(p.fd, uintptr(C.VIDIOC_QUERYCTRL), unsafe.Pointer(&qc)); err != nil {
			break
		}
		if uint32(qc.flags)&uint32(C.V4L2_CTRL_FLAG_DISABLED) == 0 {
			infos = append(infos, ControlInfo{
				ID:      uint32(qc.id),
				Name:    C.GoString((*C.char)(unsafe.Pointer(&qc.name[0]))),
				Min:     int32(qc.minimum),
				Max:     int32(qc.maximum),
				Step:    int32(qc.step),
				Default: int32(qc.default_value),
			})
		}
		id = uint32(qc.id) | uint32(C.V4L2_CTRL_FLAG_NEXT_CTRL)
	}
	return infos
}

// SetControl sets a single control id to value via VIDIOC_S_CTRL.
func (p *ParamControl) SetControl(id uint32, value int32) error {
	var ctrl C.struct_v4l2_control
	ctrl.id = C.__u32(id)
	ctrl.value = C.__s32(value)
	if err := ioctl(p.fd, uintptr(C.VIDIOC_S_CTRL), unsafe.Pointer(&ctrl)); err != nil {
		return fmt.Errorf("v4l2: set control 0x%x: %w", id, err)
	}
	return nil
}

// GetControl reads a single control's current value via VIDIOC_G_CTRL.
func (p *ParamControl) GetControl(id uint32) (int32, error) {
	var ctrl C.struct_v4l2_control
	ctrl.id = C.__u32(id)
	if err := ioctl(p.fd, uintptr(C.VIDIOC_G_CTRL), unsafe.Pointer(&ctrl)); err != nil {
		return 0, fmt.Errorf("v4l2: get control 0x%x: %w", id, err)
	}
	return int32(ctrl.value), nil
}
