package signal

import (
	"encoding/json"
	"errors"

	"stagecast/internal/core/domain"
)

// Message is the wire envelope. Requests carry a non-empty ID that the
// response echoes back; server-initiated events carry no ID. Unknown fields
// in payloads are ignored at the boundary.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Request events.
const (
	EventCreateStage            = "create-stage"
	EventJoinStage              = "join-stage"
	EventLeaveStage             = "leave-stage"
	EventGetRTPCapabilities     = "get-rtp-capabilities"
	EventCreateSendTransport    = "create-send-transport"
	EventCreateReceiveTransport = "create-receive-transport"
	EventConnectTransport       = "connect-transport"
	EventSendTrack              = "send-track"
	EventCloseProducer          = "close-producer"
	EventConsume                = "consume"
	EventFinishConsume          = "finish-consume"
	EventMakeOffer              = "make-offer"
	EventMakeAnswer             = "make-answer"
	EventSendCandidate          = "send-candidate"
)

// Broadcast and relay events.
const (
	EventParticipantJoined  = "participant-joined"
	EventParticipantRemoved = "participant-removed"
	EventProducerAdded      = "producer-added"
	EventProducerRemoved    = "producer-removed"
	EventPeerAdded          = "peer-added"
	EventOfferMade          = "offer-made"
	EventAnswerMade         = "answer-made"
	EventCandidateSent      = "candidate-sent"
)

// Error codes carried in response envelopes.
const (
	CodeAuth          = "authentication-error"
	CodeNotFound      = "not-found"
	CodePermission    = "permission-error"
	CodeEngine        = "engine-error"
	CodeInvalid       = "invalid-request"
	CodeRateLimited   = "rate-limited"
	CodeInternalError = "internal-error"
)

// errorBody maps a domain error to its wire representation.
func errorBody(err error) *ErrorBody {
	code := CodeInternalError
	switch {
	case errors.Is(err, domain.ErrInvalidToken), errors.Is(err, domain.ErrExpiredToken):
		code = CodeAuth
	case errors.Is(err, domain.ErrStageNotFound),
		errors.Is(err, domain.ErrParticipantNotFound),
		errors.Is(err, domain.ErrTransportNotFound),
		errors.Is(err, domain.ErrProducerNotFound),
		errors.Is(err, domain.ErrConsumerNotFound):
		code = CodeNotFound
	case errors.Is(err, domain.ErrWrongPassword):
		code = CodePermission
	case errors.Is(err, domain.ErrEngine):
		code = CodeEngine
	case errors.Is(err, domain.ErrNotConnected), errors.Is(err, errInvalidPayload):
		code = CodeInvalid
	}
	return &ErrorBody{Code: code, Message: err.Error()}
}

var errInvalidPayload = errors.New("invalid payload")

// Request payloads.

type CreateStageRequest struct {
	Token    string                   `json:"token"`
	Name     string                   `json:"stageName"`
	Kind     domain.StageKind         `json:"kind"`
	Mode     domain.CommunicationMode `json:"mode"`
	Password string                   `json:"password,omitempty"`
}

type CreateStageResponse struct {
	StageID       domain.StageID       `json:"stageId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	ConnectionID  domain.ConnectionID  `json:"connectionId"`
}

type JoinStageRequest struct {
	Token    string         `json:"token"`
	StageID  domain.StageID `json:"stageId"`
	Password string         `json:"password,omitempty"`
}

type JoinStageResponse struct {
	Stage         domain.Stage             `json:"stage"`
	Roster        []domain.ParticipantInfo `json:"roster"`
	ParticipantID domain.ParticipantID     `json:"participantId"`
	ConnectionID  domain.ConnectionID      `json:"connectionId"`
}

type CreateTransportRequest struct {
	RTPCapabilities json.RawMessage `json:"rtpCapabilities,omitempty"`
}

type ConnectTransportRequest struct {
	TransportID    domain.TransportID `json:"transportId"`
	DTLSParameters json.RawMessage    `json:"dtlsParameters"`
}

type SendTrackRequest struct {
	TransportID   domain.TransportID `json:"transportId"`
	Kind          domain.MediaKind   `json:"kind"`
	RTPParameters json.RawMessage    `json:"rtpParameters"`
}

type SendTrackResponse struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type CloseProducerRequest struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type ConsumeRequest struct {
	TransportID     domain.TransportID `json:"transportId"`
	ProducerID      domain.ProducerID  `json:"producerId"`
	RTPCapabilities json.RawMessage    `json:"rtpCapabilities,omitempty"`
}

type FinishConsumeRequest struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

// Relay payloads. The offer/answer/candidate blobs are forwarded verbatim.

type RelayRequest struct {
	TargetConnectionID domain.ConnectionID `json:"targetConnectionId"`
	Offer              json.RawMessage     `json:"offer,omitempty"`
	Answer             json.RawMessage     `json:"answer,omitempty"`
	Candidate          json.RawMessage     `json:"candidate,omitempty"`
}

type RelayDelivery struct {
	SenderParticipantID domain.ParticipantID `json:"senderParticipantId"`
	SenderConnectionID  domain.ConnectionID  `json:"senderConnectionId"`
	Offer               json.RawMessage      `json:"offer,omitempty"`
	Answer              json.RawMessage      `json:"answer,omitempty"`
	Candidate           json.RawMessage      `json:"candidate,omitempty"`
}
