package rtcManager

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Link is the media-link primitive for one session. *webrtc.PeerConnection
// satisfies it.
type Link interface {
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState
	RemoteDescription() *webrtc.SessionDescription

	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	GetStats() webrtc.StatsReport

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))

	Close() error
}

var _ Link = (*webrtc.PeerConnection)(nil)

// LinkFactory builds a new link for the given ICE configuration.
type LinkFactory func(cfg webrtc.Configuration) (Link, error)

// CodecPopulator registers codecs on a media engine; *mediadevices.CodecSelector
// is one.
type CodecPopulator interface {
	Populate(me *webrtc.MediaEngine)
}

// PionLinkFactory builds pion peer connections with the default interceptors
// (NACK, RTCP reports, TWCC). With a nil populator the default codecs are
// used. settings adjust the transport, e.g. the UDP port range.
func PionLinkFactory(codecs CodecPopulator, settings ...func(*webrtc.SettingEngine)) LinkFactory {
	return func(cfg webrtc.Configuration) (Link, error) {
		me := &webrtc.MediaEngine{}
		if codecs != nil {
			codecs.Populate(me)
		} else if err := me.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("failed to register default codecs: %w", err)
		}

		registry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
			return nil, fmt.Errorf("failed to register interceptors: %w", err)
		}

		se := webrtc.SettingEngine{}
		for _, apply := range settings {
			apply(&se)
		}

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		)
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}
		return pc, nil
	}
}
