package ports

import (
	"context"
	"encoding/json"

	"stagecast/internal/core/domain"
)

type StageService interface {
	CreateStage(ctx context.Context, identity Identity, conn domain.ConnectionID, name string, kind domain.StageKind, mode domain.CommunicationMode, password string) (*domain.Stage, *domain.Participant, error)
	JoinStage(ctx context.Context, identity Identity, conn domain.ConnectionID, stageID domain.StageID, password string) (*StageSnapshot, *domain.Participant, error)
	RemoveParticipant(ctx context.Context, stageID domain.StageID, participantID domain.ParticipantID) error
	Roster(ctx context.Context, stageID domain.StageID) ([]*domain.Participant, error)
	ParticipantByConnection(ctx context.Context, conn domain.ConnectionID) (*domain.Participant, bool)
}

// StageSnapshot is what a joiner receives: the stage metadata plus the roster
// as it stood at join time, in join order.
type StageSnapshot struct {
	Stage  domain.Stage             `json:"stage"`
	Roster []domain.ParticipantInfo `json:"roster"`
}

// Identity is the verified result of the authentication step. Requests never
// reach the stage service with an unverified token.
type Identity struct {
	UID  string
	Name string
}

type AuthService interface {
	GenerateToken(uid, name string) (string, error)
	VerifyToken(token string) (Identity, error)
}

// MediaService is the server half of the transport orchestration: it owns the
// per-participant transport/producer/consumer tables and talks to the engine.
type MediaService interface {
	RouterCapabilities(ctx context.Context, stageID domain.StageID) (domain.RTPCapabilities, error)
	CreateTransport(ctx context.Context, p *domain.Participant, direction domain.TransportDirection) (*domain.TransportInfo, error)
	ConnectTransport(ctx context.Context, p *domain.Participant, transportID domain.TransportID, dtls json.RawMessage) error
	Produce(ctx context.Context, p *domain.Participant, transportID domain.TransportID, kind domain.MediaKind, rtp json.RawMessage) (domain.ProducerID, error)
	CloseProducer(ctx context.Context, p *domain.Participant, producerID domain.ProducerID) error
	Consume(ctx context.Context, p *domain.Participant, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RTPCapabilities) (*domain.ConsumerInfo, error)
	FinishConsume(ctx context.Context, p *domain.Participant, consumerID domain.ConsumerID) error
	CleanupParticipant(ctx context.Context, participantID domain.ParticipantID)
	Stats() (transports, producers, consumers int)
}

// MediaEngine is the boundary to the external forwarding engine. Parameter
// blobs are opaque to the orchestration layer.
type MediaEngine interface {
	RouterCapabilities(ctx context.Context, stageID domain.StageID) (domain.RTPCapabilities, error)
	CreateTransport(ctx context.Context, stageID domain.StageID, direction domain.TransportDirection) (*domain.TransportInfo, error)
	ConnectTransport(ctx context.Context, transportID domain.TransportID, dtls json.RawMessage) error
	Produce(ctx context.Context, transportID domain.TransportID, kind domain.MediaKind, rtp json.RawMessage) (domain.ProducerID, error)
	Consume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RTPCapabilities) (*domain.ConsumerInfo, error)
	ResumeConsumer(ctx context.Context, consumerID domain.ConsumerID) error
	CloseProducer(ctx context.Context, producerID domain.ProducerID) error
	CloseConsumer(ctx context.Context, consumerID domain.ConsumerID) error
	CloseTransport(ctx context.Context, transportID domain.TransportID) error
	CloseStage(ctx context.Context, stageID domain.StageID) error
}

// Broadcaster fans an event out to stage members. Implemented by the signal
// server; exclude lists the connections that must not receive the event.
type Broadcaster interface {
	BroadcastToStage(stageID domain.StageID, event string, payload interface{}, exclude ...domain.ConnectionID)
	SendToConnection(conn domain.ConnectionID, event string, payload interface{}) error
}
