// Package stageclient is the client half of the stage protocol: a session
// state machine on top of the signaling channel, the transport orchestration
// for the forwarded media path, and direct peer links for mesh stages.
package stageclient

import (
	"encoding/json"

	"stagecast/internal/core/domain"
)

// Device abstracts the local media stack so the orchestration logic can be
// exercised without a real WebRTC implementation underneath.
type Device interface {
	// Load primes the device with the server engine's capability set. Must be
	// called before any transport is created.
	Load(routerCapabilities domain.RTPCapabilities) error

	// RTPCapabilities returns the device's own capability set, sent along
	// with transport-creation and consume requests.
	RTPCapabilities() domain.RTPCapabilities

	CreateSendTransport(info *domain.TransportInfo) (SendTransport, error)
	CreateReceiveTransport(info *domain.TransportInfo) (ReceiveTransport, error)
}

// Transport is a local handle over a server-allocated transport.
type Transport interface {
	ID() domain.TransportID

	// OnConnect registers the negotiation callback. It fires when the
	// transport needs to push connection parameters to the server: once to
	// establish the underlying connection, and again for renegotiations if
	// the implementation requires them. The callback must forward the
	// parameters and return only after the server acknowledged.
	OnConnect(func(dtlsParameters json.RawMessage) error)

	// OnConnectionStateChange reports transport-level state transitions
	// ("connected", "disconnected", "failed", "closed").
	OnConnectionStateChange(func(state string))

	Close() error
}

// SendTransport registers local tracks for sending.
type SendTransport interface {
	Transport

	// RegisterTrack prepares a local track for production and returns the
	// parameters the server needs to create the matching producer.
	RegisterTrack(track LocalTrack) (domain.MediaKind, json.RawMessage, error)
}

// ReceiveTransport instantiates consumers from server-created parameters.
type ReceiveTransport interface {
	Transport

	Consume(id domain.ConsumerID, producerID domain.ProducerID, kind domain.MediaKind, rtpParameters json.RawMessage) (Consumer, error)
}

// Consumer is a local consumer handle. Consumers start paused and deliver no
// media until resumed.
type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind

	Resume() error
	Close() error

	// Track exposes the underlying media track handle for the UI layer.
	Track() interface{}
}

// LocalTrack is a locally captured media track.
type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
	Stop() error
}
