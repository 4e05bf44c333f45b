package domain

// Snapshot is what a participant receives right after connecting.
type Snapshot struct {
	SelfID                ConnID          `json:"selfId"`
	RouterRtpCapabilities RtpCapabilities `json:"routerRtpCapabilities"`
	Participants          []Participant   `json:"participants"`
	Muted                 bool            `json:"muted"`
}

// SessionInfo is a read-only view for APIs.
type SessionInfo struct {
	Alive        bool `json:"alive"`
	Muted        bool `json:"muted"`
	Participants int  `json:"participants"`
	Transports   int  `json:"transports"`
	Producers    int  `json:"producers"`
	Consumers    int  `json:"consumers"`
}

// NewStream announces a producer to everybody else in the session.
type NewStream struct {
	ID         ConnID     `json:"id"`
	ProducerID ProducerID `json:"producerId"`
}

type MuteState struct {
	Muted bool `json:"muted"`
}

// MuteResult is returned to the participant who toggled the session mute.
type MuteResult struct {
	Muted     bool `json:"muted"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
}

type ParticipantLeft struct {
	ID         ConnID     `json:"id"`
	ProducerID ProducerID `json:"producerId,omitempty"`
}

type ConsumerClosed struct {
	ConsumerID ConsumerID `json:"consumerId"`
	ProducerID ProducerID `json:"producerId"`
}

// PauseState is the outcome of a single pause or resume request.
type PauseState struct {
	ID     string `json:"id"`
	Paused bool   `json:"paused"`
}
