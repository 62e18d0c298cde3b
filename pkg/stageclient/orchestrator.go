package stageclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"stagecast/internal/core/domain"
	"stagecast/internal/infrastructure/signal"
	"stagecast/pkg/channel"

	"go.uber.org/zap"
)

// TransportTrack names one of the two independent media path tracks.
type TransportTrack string

const (
	TrackSend    TransportTrack = "send"
	TrackReceive TransportTrack = "receive"
)

// TransportState is the per-track media path state.
type TransportState string

const (
	StateIdle                  TransportState = "idle"
	StateCapabilitiesExchanged TransportState = "capabilities-exchanged"
	StateTransportCreated      TransportState = "transport-created"
	StateTransportConnected    TransportState = "transport-connected"
	StateProducing             TransportState = "producing"
)

// ConsumerEvent notifies the UI layer that a remote producer became
// consumable; Track carries the playable media handle.
type ConsumerEvent struct {
	ConsumerID    domain.ConsumerID
	ProducerID    domain.ProducerID
	ParticipantID domain.ParticipantID
	Kind          domain.MediaKind
	Track         interface{}
}

// Orchestrator drives the forwarded media path: capability exchange,
// transport creation and connection, producing local tracks and consuming
// remote ones with the two-phase paused resume.
type Orchestrator struct {
	ch     *channel.Channel
	device Device
	selfID domain.ParticipantID

	mu            sync.Mutex
	capsLoaded    bool
	sendState     TransportState
	recvState     TransportState
	sendTransport SendTransport
	recvTransport ReceiveTransport
	producers     map[string]domain.ProducerID // keyed by local track id
	consumers     map[domain.ConsumerID]Consumer
	closed        bool

	onConsumer     func(ConsumerEvent)
	onDisconnected func(reason string)

	logger *zap.SugaredLogger
}

func NewOrchestrator(ch *channel.Channel, device Device, selfID domain.ParticipantID, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		ch:        ch,
		device:    device,
		selfID:    selfID,
		sendState: StateIdle,
		recvState: StateIdle,
		producers: make(map[string]domain.ProducerID),
		consumers: make(map[domain.ConsumerID]Consumer),
		logger:    logger,
	}
}

// OnConsumer registers the callback fired when a remote track becomes
// playable. Must be set before Start.
func (o *Orchestrator) OnConsumer(fn func(ConsumerEvent)) {
	o.onConsumer = fn
}

// OnDisconnected registers the callback fired once when a transport reports
// a terminal connection state.
func (o *Orchestrator) OnDisconnected(fn func(reason string)) {
	o.onDisconnected = fn
}

// Start subscribes to producer broadcasts and performs the capability
// exchange. A capability failure is fatal to the whole media session and is
// returned to the caller, never retried.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ch.On(signal.EventProducerAdded, func(payload json.RawMessage) {
		var info domain.ProducerInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			o.logger.Warnw("bad producer-added payload", "error", err)
			return
		}
		if info.OwnerParticipantID == o.selfID {
			return
		}
		// Off the read loop: consuming issues further requests whose
		// responses arrive on that same loop.
		go func() {
			if err := o.consumeProducer(context.Background(), info); err != nil {
				o.logger.Warnw("failed to consume remote producer",
					"producer_id", info.ProducerID,
					"owner", info.OwnerParticipantID,
					"error", err,
				)
			}
		}()
	})
	o.ch.On(signal.EventProducerRemoved, func(payload json.RawMessage) {
		var info domain.ProducerInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			return
		}
		o.dropConsumersOf(info.ProducerID)
	})

	raw, err := o.ch.Request(ctx, signal.EventGetRTPCapabilities, struct{}{})
	if err != nil {
		return fmt.Errorf("capability exchange failed: %w", err)
	}
	if err := o.device.Load(domain.RTPCapabilities(raw)); err != nil {
		return fmt.Errorf("device rejected capabilities: %w", err)
	}

	o.mu.Lock()
	o.capsLoaded = true
	o.sendState = StateCapabilitiesExchanged
	o.recvState = StateCapabilitiesExchanged
	o.mu.Unlock()
	return nil
}

// PublishTrack registers a local track as a producer on the send transport,
// creating and connecting the transport first if needed.
func (o *Orchestrator) PublishTrack(ctx context.Context, track LocalTrack) (domain.ProducerID, error) {
	transport, err := o.ensureSendTransport(ctx)
	if err != nil {
		return "", err
	}

	kind, rtpParameters, err := transport.RegisterTrack(track)
	if err != nil {
		return "", fmt.Errorf("failed to register track %s: %w", track.ID(), err)
	}

	var resp signal.SendTrackResponse
	err = o.ch.RequestInto(ctx, signal.EventSendTrack, signal.SendTrackRequest{
		TransportID:   transport.ID(),
		Kind:          kind,
		RTPParameters: rtpParameters,
	}, &resp)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	o.producers[track.ID()] = resp.ProducerID
	o.sendState = StateProducing
	o.mu.Unlock()

	o.logger.Infow("track published", "track_id", track.ID(), "producer_id", resp.ProducerID, "kind", kind)
	return resp.ProducerID, nil
}

// UnpublishTrack closes the producer backing a local track. The server side
// is fire-and-forget about notifying peers; only the close itself is
// acknowledged.
func (o *Orchestrator) UnpublishTrack(ctx context.Context, trackID string) error {
	o.mu.Lock()
	producerID, ok := o.producers[trackID]
	if ok {
		delete(o.producers, trackID)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no producer for track %s", domain.ErrProducerNotFound, trackID)
	}

	return o.ch.RequestInto(ctx, signal.EventCloseProducer, signal.CloseProducerRequest{
		ProducerID: producerID,
	}, nil)
}

// ProducerForTrack reports the producer id registered for a local track.
func (o *Orchestrator) ProducerForTrack(trackID string) (domain.ProducerID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.producers[trackID]
	return id, ok
}

// consumeProducer runs the receive-side steps for one remote producer:
// consume (server returns a paused consumer), instantiate it locally,
// finish-consume, and only then resume.
func (o *Orchestrator) consumeProducer(ctx context.Context, info domain.ProducerInfo) error {
	transport, err := o.ensureReceiveTransport(ctx)
	if err != nil {
		return err
	}

	var consumerInfo domain.ConsumerInfo
	err = o.ch.RequestInto(ctx, signal.EventConsume, signal.ConsumeRequest{
		TransportID:     transport.ID(),
		ProducerID:      info.ProducerID,
		RTPCapabilities: json.RawMessage(o.device.RTPCapabilities()),
	}, &consumerInfo)
	if err != nil {
		return err
	}

	consumer, err := transport.Consume(consumerInfo.ID, consumerInfo.ProducerID, consumerInfo.Kind, consumerInfo.RTPParameters)
	if err != nil {
		return fmt.Errorf("failed to instantiate consumer %s: %w", consumerInfo.ID, err)
	}

	err = o.ch.RequestInto(ctx, signal.EventFinishConsume, signal.FinishConsumeRequest{
		ConsumerID: consumerInfo.ID,
	}, nil)
	if err != nil {
		consumer.Close()
		return err
	}

	// Media may flow only after the finish-consume acknowledgment.
	if err := consumer.Resume(); err != nil {
		consumer.Close()
		return fmt.Errorf("failed to resume consumer %s: %w", consumerInfo.ID, err)
	}

	o.mu.Lock()
	o.consumers[consumerInfo.ID] = consumer
	o.mu.Unlock()

	if o.onConsumer != nil {
		o.onConsumer(ConsumerEvent{
			ConsumerID:    consumerInfo.ID,
			ProducerID:    consumerInfo.ProducerID,
			ParticipantID: info.OwnerParticipantID,
			Kind:          consumerInfo.Kind,
			Track:         consumer.Track(),
		})
	}
	return nil
}

func (o *Orchestrator) ensureSendTransport(ctx context.Context) (SendTransport, error) {
	o.mu.Lock()
	if !o.capsLoaded {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: capabilities not exchanged", domain.ErrNotConnected)
	}
	if o.sendTransport != nil {
		t := o.sendTransport
		o.mu.Unlock()
		return t, nil
	}
	o.mu.Unlock()

	var info domain.TransportInfo
	err := o.ch.RequestInto(ctx, signal.EventCreateSendTransport, signal.CreateTransportRequest{
		RTPCapabilities: json.RawMessage(o.device.RTPCapabilities()),
	}, &info)
	if err != nil {
		return nil, err
	}

	transport, err := o.device.CreateSendTransport(&info)
	if err != nil {
		return nil, fmt.Errorf("failed to create local send transport: %w", err)
	}
	o.wireTransport(transport, TrackSend)

	o.mu.Lock()
	o.sendTransport = transport
	o.sendState = StateTransportCreated
	o.mu.Unlock()
	return transport, nil
}

func (o *Orchestrator) ensureReceiveTransport(ctx context.Context) (ReceiveTransport, error) {
	o.mu.Lock()
	if !o.capsLoaded {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: capabilities not exchanged", domain.ErrNotConnected)
	}
	if o.recvTransport != nil {
		t := o.recvTransport
		o.mu.Unlock()
		return t, nil
	}
	o.mu.Unlock()

	var info domain.TransportInfo
	err := o.ch.RequestInto(ctx, signal.EventCreateReceiveTransport, signal.CreateTransportRequest{
		RTPCapabilities: json.RawMessage(o.device.RTPCapabilities()),
	}, &info)
	if err != nil {
		return nil, err
	}

	transport, err := o.device.CreateReceiveTransport(&info)
	if err != nil {
		return nil, fmt.Errorf("failed to create local receive transport: %w", err)
	}
	o.wireTransport(transport, TrackReceive)

	o.mu.Lock()
	o.recvTransport = transport
	o.recvState = StateTransportCreated
	o.mu.Unlock()
	return transport, nil
}

// wireTransport installs the connect callback (fires exactly once per
// transport) and the terminal state watch.
func (o *Orchestrator) wireTransport(transport Transport, track TransportTrack) {
	transport.OnConnect(func(dtlsParameters json.RawMessage) error {
		err := o.ch.RequestInto(context.Background(), signal.EventConnectTransport, signal.ConnectTransportRequest{
			TransportID:    transport.ID(),
			DTLSParameters: dtlsParameters,
		}, nil)
		if err != nil {
			return err
		}
		o.mu.Lock()
		switch track {
		case TrackSend:
			o.sendState = StateTransportConnected
		case TrackReceive:
			o.recvState = StateTransportConnected
		}
		o.mu.Unlock()
		return nil
	})

	transport.OnConnectionStateChange(func(state string) {
		switch state {
		case "failed", "closed", "disconnected":
			o.notifyDisconnected(fmt.Sprintf("%s transport %s", track, state))
		}
	})
}

func (o *Orchestrator) notifyDisconnected(reason string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	fn := o.onDisconnected
	o.mu.Unlock()

	o.logger.Infow("media path disconnected", "reason", reason)
	if fn != nil {
		fn(reason)
	}
}

func (o *Orchestrator) dropConsumersOf(producerID domain.ProducerID) {
	o.mu.Lock()
	var doomed []Consumer
	for id, consumer := range o.consumers {
		if consumer.ProducerID() == producerID {
			doomed = append(doomed, consumer)
			delete(o.consumers, id)
		}
	}
	o.mu.Unlock()

	for _, consumer := range doomed {
		consumer.Close()
	}
}

// States reports the current state of both tracks.
func (o *Orchestrator) States() (send, receive TransportState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sendState, o.recvState
}

// Close tears the local media path down: consumers first, then transports.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	consumers := o.consumers
	o.consumers = make(map[domain.ConsumerID]Consumer)
	send, recv := o.sendTransport, o.recvTransport
	o.sendTransport, o.recvTransport = nil, nil
	o.sendState, o.recvState = StateIdle, StateIdle
	o.producers = make(map[string]domain.ProducerID)
	o.mu.Unlock()

	for _, consumer := range consumers {
		consumer.Close()
	}
	if send != nil {
		send.Close()
	}
	if recv != nil {
		recv.Close()
	}
}
