package domain

import (
	"encoding/json"
	"time"
)

type TransportID string
type ProducerID string
type ConsumerID string

type TransportDirection string

const (
	DirectionSend    TransportDirection = "send"
	DirectionReceive TransportDirection = "receive"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// Transport is one direction-scoped media conveyance path through the
// forwarding engine. A participant owns at most one per direction at a time.
type Transport struct {
	ID        TransportID
	Owner     ParticipantID
	StageID   StageID
	Direction TransportDirection
	Connected bool
	CreatedAt time.Time
}

// Producer is one published local media track, owned by exactly one send
// transport. The id is assigned by the engine at creation time.
type Producer struct {
	ID        ProducerID
	Owner     ParticipantID
	Transport TransportID
	Kind      MediaKind
	CreatedAt time.Time
}

// Consumer subscribes to one remote producer, owned by exactly one receive
// transport. Created paused; media flows only after an explicit resume.
type Consumer struct {
	ID        ConsumerID
	Owner     ParticipantID
	Transport TransportID
	Producer  ProducerID
	Paused    bool
	CreatedAt time.Time
}

// RTPCapabilities and the parameter blobs below are opaque to the
// orchestration layer: they are produced by one engine endpoint and handed
// verbatim to the other.
type RTPCapabilities json.RawMessage

func (c RTPCapabilities) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte("null"), nil
	}
	return c, nil
}

func (c *RTPCapabilities) UnmarshalJSON(data []byte) error {
	*c = append((*c)[:0], data...)
	return nil
}

// TransportInfo carries the connection parameters the client needs to
// instantiate its local transport handle.
type TransportInfo struct {
	ID             TransportID     `json:"id"`
	ICEParameters  json.RawMessage `json:"ice_parameters,omitempty"`
	ICECandidates  json.RawMessage `json:"ice_candidates,omitempty"`
	DTLSParameters json.RawMessage `json:"dtls_parameters,omitempty"`
}

// ConsumerInfo carries the parameters of a freshly created, still paused
// consumer back to the subscribing client.
type ConsumerInfo struct {
	ID            ConsumerID      `json:"id"`
	ProducerID    ProducerID      `json:"producer_id"`
	Kind          MediaKind       `json:"kind"`
	RTPParameters json.RawMessage `json:"rtp_parameters,omitempty"`
}

// ProducerInfo is broadcast to the rest of the stage when a track is
// published, and again (as producer-removed) when it is unpublished.
type ProducerInfo struct {
	OwnerParticipantID ParticipantID `json:"owner_participant_id"`
	ProducerID         ProducerID    `json:"producer_id"`
	Kind               MediaKind     `json:"kind"`
}

// PeerLinkState tracks a direct mesh connection between two participants.
type PeerLinkState string

const (
	PeerLinkNegotiating PeerLinkState = "negotiating"
	PeerLinkEstablished PeerLinkState = "established"
)
