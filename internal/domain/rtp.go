package domain

import "strings"

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCodecCapability describes a codec a router or device can handle.
type RtpCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
	Direction   string    `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI        string         `json:"uri"`
	ID         int            `json:"id"`
	Encrypt    bool           `json:"encrypt,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type RtpEncodingParameters struct {
	Ssrc uint32 `json:"ssrc,omitempty"`
	Dtx  bool   `json:"dtx,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

// RtpParameters are opaque to the coordinator and only read by the media engine.
type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions"`
	Encodings        []RtpEncodingParameters        `json:"encodings"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

// SameCodec compares mime type (case-insensitive), clock rate and channels.
func SameCodec(mimeType string, clockRate uint32, channels uint16, other RtpCodecCapability) bool {
	if !strings.EqualFold(mimeType, other.MimeType) || clockRate != other.ClockRate {
		return false
	}
	return normChannels(channels) == normChannels(other.Channels)
}

func normChannels(c uint16) uint16 {
	if c == 0 {
		return 1
	}
	return c
}
