package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"

	"go.uber.org/zap"
)

// MediaService is the server half of the transport orchestration. It owns the
// transport/producer/consumer tables, keyed by id, with per-participant index
// sets; participants themselves never hold object references into the tables.
type MediaService struct {
	engine      ports.MediaEngine
	broadcaster ports.Broadcaster

	transports map[domain.TransportID]*domain.Transport
	producers  map[domain.ProducerID]*domain.Producer
	consumers  map[domain.ConsumerID]*domain.Consumer
	owned      map[domain.ParticipantID]*ownedResources
	mu         sync.Mutex

	logger *zap.SugaredLogger
}

type ownedResources struct {
	transports map[domain.TransportID]struct{}
	producers  map[domain.ProducerID]struct{}
	consumers  map[domain.ConsumerID]struct{}
}

func NewMediaService(engine ports.MediaEngine, logger *zap.SugaredLogger) *MediaService {
	return &MediaService{
		engine:     engine,
		transports: make(map[domain.TransportID]*domain.Transport),
		producers:  make(map[domain.ProducerID]*domain.Producer),
		consumers:  make(map[domain.ConsumerID]*domain.Consumer),
		owned:      make(map[domain.ParticipantID]*ownedResources),
		logger:     logger,
	}
}

// SetBroadcaster wires the signal server in after construction.
func (s *MediaService) SetBroadcaster(b ports.Broadcaster) {
	s.broadcaster = b
}

func (s *MediaService) RouterCapabilities(ctx context.Context, stageID domain.StageID) (domain.RTPCapabilities, error) {
	caps, err := s.engine.RouterCapabilities(ctx, stageID)
	if err != nil {
		// Fatal to the whole media session; the caller decides what to
		// do, nothing is retried here.
		return nil, fmt.Errorf("%w: router capabilities: %v", domain.ErrEngine, err)
	}
	return caps, nil
}

func (s *MediaService) CreateTransport(ctx context.Context, p *domain.Participant, direction domain.TransportDirection) (*domain.TransportInfo, error) {
	// At most one transport per direction: creating a second one is a
	// renegotiation and tears the previous one down first.
	s.mu.Lock()
	var stale *domain.Transport
	for id := range s.ownedOf(p.ID).transports {
		if t := s.transports[id]; t != nil && t.Direction == direction {
			stale = t
		}
	}
	s.mu.Unlock()
	if stale != nil {
		s.closeStaleTransport(ctx, p, stale.ID)
	}

	info, err := s.engine.CreateTransport(ctx, p.StageID, direction)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s transport: %v", domain.ErrEngine, direction, err)
	}

	transport := &domain.Transport{
		ID:        info.ID,
		Owner:     p.ID,
		StageID:   p.StageID,
		Direction: direction,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.transports[info.ID] = transport
	s.ownedOf(p.ID).transports[info.ID] = struct{}{}
	s.mu.Unlock()

	s.logger.Infow("transport created",
		"participant_id", p.ID,
		"transport_id", info.ID,
		"direction", direction,
	)
	return info, nil
}

func (s *MediaService) ConnectTransport(ctx context.Context, p *domain.Participant, transportID domain.TransportID, dtls json.RawMessage) error {
	s.mu.Lock()
	transport := s.transports[transportID]
	if transport == nil || transport.Owner != p.ID {
		s.mu.Unlock()
		return domain.ErrTransportNotFound
	}
	s.mu.Unlock()

	if err := s.engine.ConnectTransport(ctx, transportID, dtls); err != nil {
		return fmt.Errorf("%w: connect transport %s: %v", domain.ErrEngine, transportID, err)
	}

	s.mu.Lock()
	transport.Connected = true
	s.mu.Unlock()
	return nil
}

func (s *MediaService) Produce(ctx context.Context, p *domain.Participant, transportID domain.TransportID, kind domain.MediaKind, rtp json.RawMessage) (domain.ProducerID, error) {
	s.mu.Lock()
	transport := s.transports[transportID]
	if transport == nil || transport.Owner != p.ID || transport.Direction != domain.DirectionSend {
		s.mu.Unlock()
		return "", domain.ErrTransportNotFound
	}
	if !transport.Connected {
		s.mu.Unlock()
		return "", domain.ErrNotConnected
	}
	s.mu.Unlock()

	producerID, err := s.engine.Produce(ctx, transportID, kind, rtp)
	if err != nil {
		return "", fmt.Errorf("%w: produce: %v", domain.ErrEngine, err)
	}

	producer := &domain.Producer{
		ID:        producerID,
		Owner:     p.ID,
		Transport: transportID,
		Kind:      kind,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.producers[producerID] = producer
	s.ownedOf(p.ID).producers[producerID] = struct{}{}
	s.mu.Unlock()

	// Announced only after registration, so the id in the broadcast always
	// names a live producer.
	if s.broadcaster != nil {
		s.broadcaster.BroadcastToStage(p.StageID, "producer-added", domain.ProducerInfo{
			OwnerParticipantID: p.ID,
			ProducerID:         producerID,
			Kind:               kind,
		}, p.ConnectionID)
	}

	s.logger.Infow("producer created",
		"participant_id", p.ID,
		"producer_id", producerID,
		"kind", kind,
	)
	return producerID, nil
}

func (s *MediaService) CloseProducer(ctx context.Context, p *domain.Participant, producerID domain.ProducerID) error {
	s.mu.Lock()
	producer := s.producers[producerID]
	if producer == nil || producer.Owner != p.ID {
		s.mu.Unlock()
		return domain.ErrProducerNotFound
	}
	delete(s.producers, producerID)
	delete(s.ownedOf(p.ID).producers, producerID)
	s.mu.Unlock()

	if err := s.engine.CloseProducer(ctx, producerID); err != nil {
		s.logger.Warnw("engine failed to close producer", "producer_id", producerID, "error", err)
	}

	// Fire-and-forget: peers are informed but no ack is awaited.
	if s.broadcaster != nil {
		s.broadcaster.BroadcastToStage(p.StageID, "producer-removed", domain.ProducerInfo{
			OwnerParticipantID: p.ID,
			ProducerID:         producerID,
			Kind:               producer.Kind,
		}, p.ConnectionID)
	}
	return nil
}

func (s *MediaService) Consume(ctx context.Context, p *domain.Participant, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RTPCapabilities) (*domain.ConsumerInfo, error) {
	s.mu.Lock()
	transport := s.transports[transportID]
	if transport == nil || transport.Owner != p.ID || transport.Direction != domain.DirectionReceive {
		s.mu.Unlock()
		return nil, domain.ErrTransportNotFound
	}
	if _, ok := s.producers[producerID]; !ok {
		s.mu.Unlock()
		return nil, domain.ErrProducerNotFound
	}
	s.mu.Unlock()

	info, err := s.engine.Consume(ctx, transportID, producerID, caps)
	if err != nil {
		return nil, fmt.Errorf("%w: consume: %v", domain.ErrEngine, err)
	}

	consumer := &domain.Consumer{
		ID:        info.ID,
		Owner:     p.ID,
		Transport: transportID,
		Producer:  producerID,
		Paused:    true,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.consumers[info.ID] = consumer
	s.ownedOf(p.ID).consumers[info.ID] = struct{}{}
	s.mu.Unlock()

	s.logger.Infow("consumer created paused",
		"participant_id", p.ID,
		"consumer_id", info.ID,
		"producer_id", producerID,
	)
	return info, nil
}

func (s *MediaService) FinishConsume(ctx context.Context, p *domain.Participant, consumerID domain.ConsumerID) error {
	s.mu.Lock()
	consumer := s.consumers[consumerID]
	if consumer == nil || consumer.Owner != p.ID {
		s.mu.Unlock()
		return domain.ErrConsumerNotFound
	}
	s.mu.Unlock()

	if err := s.engine.ResumeConsumer(ctx, consumerID); err != nil {
		return fmt.Errorf("%w: resume consumer %s: %v", domain.ErrEngine, consumerID, err)
	}

	s.mu.Lock()
	consumer.Paused = false
	s.mu.Unlock()
	return nil
}

// CleanupParticipant tears down everything the participant owned. The engine
// calls run unconditionally; a failure is logged but never leaves an entry in
// the tables. Calling it twice is a no-op.
func (s *MediaService) CleanupParticipant(ctx context.Context, participantID domain.ParticipantID) {
	s.mu.Lock()
	owned, ok := s.owned[participantID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.owned, participantID)

	var consumerIDs []domain.ConsumerID
	for id := range owned.consumers {
		consumerIDs = append(consumerIDs, id)
		delete(s.consumers, id)
	}
	var producerIDs []domain.ProducerID
	for id := range owned.producers {
		producerIDs = append(producerIDs, id)
		delete(s.producers, id)
	}
	var transportIDs []domain.TransportID
	for id := range owned.transports {
		transportIDs = append(transportIDs, id)
		delete(s.transports, id)
	}
	s.mu.Unlock()

	for _, id := range consumerIDs {
		if err := s.engine.CloseConsumer(ctx, id); err != nil {
			s.logger.Warnw("engine failed to close consumer", "consumer_id", id, "error", err)
		}
	}
	for _, id := range producerIDs {
		if err := s.engine.CloseProducer(ctx, id); err != nil {
			s.logger.Warnw("engine failed to close producer", "producer_id", id, "error", err)
		}
	}
	for _, id := range transportIDs {
		if err := s.engine.CloseTransport(ctx, id); err != nil {
			s.logger.Warnw("engine failed to close transport", "transport_id", id, "error", err)
		}
	}

	s.logger.Infow("cleaned up participant media state",
		"participant_id", participantID,
		"transports", len(transportIDs),
		"producers", len(producerIDs),
		"consumers", len(consumerIDs),
	)
}

// Stats reports table sizes for the metrics collector.
func (s *MediaService) Stats() (transports, producers, consumers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transports), len(s.producers), len(s.consumers)
}

func (s *MediaService) ownedOf(id domain.ParticipantID) *ownedResources {
	owned, ok := s.owned[id]
	if !ok {
		owned = &ownedResources{
			transports: make(map[domain.TransportID]struct{}),
			producers:  make(map[domain.ProducerID]struct{}),
			consumers:  make(map[domain.ConsumerID]struct{}),
		}
		s.owned[id] = owned
	}
	return owned
}

// closeStaleTransport tears down a transport being replaced by a
// renegotiation, together with every producer and consumer riding on it.
// Peers hear producer-removed for each dropped producer so nobody is left
// holding a consumable id against a dead path.
func (s *MediaService) closeStaleTransport(ctx context.Context, p *domain.Participant, transportID domain.TransportID) {
	s.mu.Lock()
	delete(s.transports, transportID)
	owned := s.owned[p.ID]
	if owned != nil {
		delete(owned.transports, transportID)
	}
	var staleProducers []*domain.Producer
	for id, producer := range s.producers {
		if producer.Transport == transportID {
			staleProducers = append(staleProducers, producer)
			delete(s.producers, id)
			if owned != nil {
				delete(owned.producers, id)
			}
		}
	}
	var staleConsumers []domain.ConsumerID
	for id, consumer := range s.consumers {
		if consumer.Transport == transportID {
			staleConsumers = append(staleConsumers, id)
			delete(s.consumers, id)
			if owned != nil {
				delete(owned.consumers, id)
			}
		}
	}
	s.mu.Unlock()

	for _, id := range staleConsumers {
		if err := s.engine.CloseConsumer(ctx, id); err != nil {
			s.logger.Warnw("engine failed to close stale consumer", "consumer_id", id, "error", err)
		}
	}
	for _, producer := range staleProducers {
		if err := s.engine.CloseProducer(ctx, producer.ID); err != nil {
			s.logger.Warnw("engine failed to close stale producer", "producer_id", producer.ID, "error", err)
		}
		if s.broadcaster != nil {
			s.broadcaster.BroadcastToStage(p.StageID, "producer-removed", domain.ProducerInfo{
				OwnerParticipantID: p.ID,
				ProducerID:         producer.ID,
				Kind:               producer.Kind,
			}, p.ConnectionID)
		}
	}
	if err := s.engine.CloseTransport(ctx, transportID); err != nil {
		s.logger.Warnw("engine failed to close stale transport", "transport_id", transportID, "error", err)
	}
}
