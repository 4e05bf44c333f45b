package domain

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TcpType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// TransportParams is everything a client needs to build its side of a transport.
type TransportParams struct {
	ID             TransportID    `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

type ConsumerParams struct {
	ID            ConsumerID    `json:"id"`
	ProducerID    ProducerID    `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
}
