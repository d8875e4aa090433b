// Package devices picks the capture devices for a link and opens them as
// local media.
package devices

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/pion/mediadevices"
	"go.uber.org/zap"

	"github.com/mikeyg42/peerlink/internal/config"
)

var (
	ErrNoDevices      = errors.New("no camera or microphone available")
	ErrDeviceNotFound = errors.New("configured device not found")
)

// virtualCamera matches labels of software cameras: OBS, ManyCam, v4l2loopback, etc.
var virtualCamera = regexp.MustCompile(`(?i)(\bobs\b|virtual|manycam|snap camera|xsplit|camtwist|mmhmm|\bndi\b|e2esoft|splitcam|youcam|chromacam|v4l2loopback|dummy)`)

// IsVirtual reports whether a video input looks like a software camera.
func IsVirtual(d mediadevices.MediaDeviceInfo) bool {
	return d.Kind == mediadevices.VideoInput && virtualCamera.MatchString(d.Label)
}

// Selection is the pair of devices to capture from. A nil Camera means the
// link is audio only.
type Selection struct {
	Camera     *mediadevices.MediaDeviceInfo
	Microphone *mediadevices.MediaDeviceInfo
}

func (s Selection) String() string {
	label := func(d *mediadevices.MediaDeviceInfo) string {
		if d == nil {
			return "none"
		}
		return fmt.Sprintf("%q", d.Label)
	}
	return fmt.Sprintf("camera=%s microphone=%s", label(s.Camera), label(s.Microphone))
}

// Choose selects devices from an enumeration. Configured ids or labels win;
// otherwise a physical camera is preferred over a virtual one and the first
// microphone is used.
func Choose(devices []mediadevices.MediaDeviceInfo, cfg config.DevicesConfig, logger *zap.Logger) (Selection, error) {
	if logger == nil {
		logger = zap.L().Named("devices")
	}

	var cameras, microphones []mediadevices.MediaDeviceInfo
	for _, d := range devices {
		switch d.Kind {
		case mediadevices.VideoInput:
			cameras = append(cameras, d)
		case mediadevices.AudioInput:
			microphones = append(microphones, d)
		}
	}

	var sel Selection
	if !cfg.AudioOnly {
		cam, err := chooseCamera(cameras, cfg, logger)
		if err != nil {
			return Selection{}, err
		}
		sel.Camera = cam
	}

	switch {
	case cfg.MicrophoneID != "":
		mic := find(microphones, cfg.MicrophoneID)
		if mic == nil {
			return Selection{}, fmt.Errorf("microphone %q: %w", cfg.MicrophoneID, ErrDeviceNotFound)
		}
		sel.Microphone = mic
	case len(microphones) > 0:
		sel.Microphone = &microphones[0]
	}

	if sel.Camera == nil && sel.Microphone == nil {
		return Selection{}, ErrNoDevices
	}
	logger.Info("Capture devices selected", zap.Stringer("selection", sel))
	return sel, nil
}

func chooseCamera(cameras []mediadevices.MediaDeviceInfo, cfg config.DevicesConfig, logger *zap.Logger) (*mediadevices.MediaDeviceInfo, error) {
	if cfg.CameraID != "" {
		cam := find(cameras, cfg.CameraID)
		if cam == nil {
			return nil, fmt.Errorf("camera %q: %w", cfg.CameraID, ErrDeviceNotFound)
		}
		return cam, nil
	}

	var virtual *mediadevices.MediaDeviceInfo
	for i := range cameras {
		if !IsVirtual(cameras[i]) {
			return &cameras[i], nil
		}
		if virtual == nil {
			virtual = &cameras[i]
		}
	}
	if virtual != nil {
		if !cfg.AllowVirtual {
			logger.Warn("Only virtual cameras found and they are disabled", zap.String("label", virtual.Label))
			return nil, nil
		}
		logger.Info("No physical camera found, using virtual camera", zap.String("label", virtual.Label))
		return virtual, nil
	}
	logger.Warn("No camera found, continuing audio only")
	return nil, nil
}

func find(devices []mediadevices.MediaDeviceInfo, idOrLabel string) *mediadevices.MediaDeviceInfo {
	for i := range devices {
		if devices[i].DeviceID == idOrLabel || devices[i].Label == idOrLabel {
			return &devices[i]
		}
	}
	return nil
}
