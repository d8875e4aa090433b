package rtcManager

import (
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// validateSDP rejects remote descriptions the link could not use: no media,
// no ICE credentials or no DTLS fingerprint.
func validateSDP(desc webrtc.SessionDescription) error {
	if desc.SDP == "" {
		return &SDPValidationError{Field: "SessionDescription", Message: "is empty"}
	}

	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(desc.SDP); err != nil {
		return &SDPValidationError{Field: "SDP", Message: err.Error()}
	}
	if len(parsed.MediaDescriptions) == 0 {
		return &SDPValidationError{Field: "Media", Message: "no media sections found"}
	}

	_, hasICE := parsed.Attribute("ice-ufrag")
	fingerprint, hasDTLS := parsed.Attribute("fingerprint")
	var hasAV bool
	for _, md := range parsed.MediaDescriptions {
		switch md.MediaName.Media {
		case "audio", "video":
			hasAV = true
		}
		if _, ok := md.Attribute("ice-ufrag"); ok {
			hasICE = true
		}
		if fp, ok := md.Attribute("fingerprint"); ok {
			hasDTLS = true
			fingerprint = fp
		}
	}

	if !hasICE {
		return &SDPValidationError{Field: "ICE", Message: "no ICE credentials found"}
	}
	if !hasDTLS {
		return &SDPValidationError{Field: "DTLS", Message: "no DTLS fingerprint found"}
	}
	if fingerprint == "" {
		return &SDPValidationError{Field: "Fingerprint", Message: "empty DTLS fingerprint"}
	}
	if !hasAV {
		return &SDPValidationError{Field: "Media", Message: "neither audio nor video tracks found"}
	}
	return nil
}
