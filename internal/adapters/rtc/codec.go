package rtc

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/pion/webrtc/v4"
)

const firstDynamicPayloadType = 100

// routerCapabilities fills payload types and kinds the config left out.
func routerCapabilities(codecs []domain.RtpCodecCapability) (domain.RtpCapabilities, error) {
	caps := domain.RtpCapabilities{
		Codecs:           make([]domain.RtpCodecCapability, 0, len(codecs)),
		HeaderExtensions: []domain.RtpHeaderExtension{},
	}
	next := uint8(firstDynamicPayloadType)
	for _, c := range codecs {
		if c.Kind == "" {
			c.Kind = kindOf(c.MimeType)
		}
		if c.Kind != domain.KindAudio {
			return caps, fmt.Errorf("codec %s: only audio is supported: %w", c.MimeType, core.ErrIncompatible)
		}
		if c.PreferredPayloadType == 0 {
			c.PreferredPayloadType = next
		}
		next = c.PreferredPayloadType + 1
		caps.Codecs = append(caps.Codecs, c)
	}
	if len(caps.Codecs) == 0 {
		return caps, fmt.Errorf("no codecs configured: %w", core.ErrIncompatible)
	}
	return caps, nil
}

func kindOf(mimeType string) domain.MediaKind {
	kind, _, _ := strings.Cut(strings.ToLower(mimeType), "/")
	return domain.MediaKind(kind)
}

// producerCodec picks the first codec of params the router can forward.
func producerCodec(params domain.RtpParameters, caps domain.RtpCapabilities) (domain.RtpCodecParameters, domain.RtpCodecCapability, error) {
	for _, c := range params.Codecs {
		for _, rc := range caps.Codecs {
			if domain.SameCodec(c.MimeType, c.ClockRate, c.Channels, rc) {
				return c, rc, nil
			}
		}
	}
	return domain.RtpCodecParameters{}, domain.RtpCodecCapability{}, fmt.Errorf("no router codec matches rtpParameters: %w", core.ErrIncompatible)
}

// matchCodec finds the capability of caps that can receive codec.
func matchCodec(codec domain.RtpCodecParameters, caps domain.RtpCapabilities) (domain.RtpCodecCapability, bool) {
	for _, c := range caps.Codecs {
		if domain.SameCodec(codec.MimeType, codec.ClockRate, codec.Channels, c) {
			return c, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

func consumerRtpParameters(codec domain.RtpCodecCapability, ssrc uint32, cname string) domain.RtpParameters {
	return domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{{
			MimeType:     codec.MimeType,
			PayloadType:  codec.PreferredPayloadType,
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
			Parameters:   codec.Parameters,
			RtcpFeedback: codec.RtcpFeedback,
		}},
		HeaderExtensions: []domain.RtpHeaderExtensionParameters{},
		Encodings:        []domain.RtpEncodingParameters{{Ssrc: ssrc}},
		Rtcp:             domain.RtcpParameters{Cname: cname, ReducedSize: true},
	}
}

func pionCapability(mimeType string, clockRate uint32, channels uint16, params map[string]any) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    mimeType,
		ClockRate:   clockRate,
		Channels:    channels,
		SDPFmtpLine: fmtpLine(params),
	}
}

func pionCodec(c domain.RtpCodecCapability) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: pionCapability(c.MimeType, c.ClockRate, c.Channels, c.Parameters),
		PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
	}
}

// fmtpLine renders codec parameters with sorted keys.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func toIceCandidates(in []webrtc.ICECandidate) []domain.IceCandidate {
	out := make([]domain.IceCandidate, 0, len(in))
	for _, c := range in {
		out = append(out, domain.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TcpType:    c.TCPType,
		})
	}
	return out
}

func fromIceCandidates(in []domain.IceCandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %v: %w", c.Foundation, err, core.ErrBadPayload)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %v: %w", c.Foundation, err, core.ErrBadPayload)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TcpType,
		})
	}
	return out, nil
}

func toDtlsParameters(p webrtc.DTLSParameters) domain.DtlsParameters {
	out := domain.DtlsParameters{
		Role:         p.Role.String(),
		Fingerprints: make([]domain.DtlsFingerprint, 0, len(p.Fingerprints)),
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func fromDtlsParameters(p domain.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{
		Role:         webrtc.DTLSRoleAuto,
		Fingerprints: make([]webrtc.DTLSFingerprint, 0, len(p.Fingerprints)),
	}
	switch strings.ToLower(p.Role) {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

// preferUDP orders UDP candidates first, keeping the gatherer order otherwise.
func preferUDP(cands []domain.IceCandidate) {
	slices.SortStableFunc(cands, func(a, b domain.IceCandidate) int {
		return cmp.Compare(udpRank(a), udpRank(b))
	})
}

func udpRank(c domain.IceCandidate) int {
	if strings.EqualFold(c.Protocol, "udp") {
		return 0
	}
	return 1
}
