package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// EngineConfig carries the forwarding engine settings: ICE servers, the UDP
// port range handed to the setting engine, and the codec list announced as
// router capabilities.
type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	Codecs []CodecConfig
}

type CodecConfig struct {
	MimeType    string `json:"mime_type"`
	ClockRate   uint32 `json:"clock_rate"`
	Channels    uint16 `json:"channels,omitempty"`
	PayloadType uint8  `json:"payload_type"`
}

// Engine is the pion-backed forwarding engine. Session descriptions travel
// through the signaling layer as opaque parameter blobs; only this package
// looks inside them.
type Engine struct {
	api  *webrtc.API
	cfg  EngineConfig
	caps domain.RTPCapabilities

	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*producer
	consumers  map[domain.ConsumerID]*consumer
	stages     map[domain.StageID]map[domain.ProducerID]struct{}
	mu         sync.RWMutex

	logger *zap.SugaredLogger
}

type transport struct {
	id        domain.TransportID
	stageID   domain.StageID
	direction domain.TransportDirection
	pc        *webrtc.PeerConnection

	mu      sync.Mutex
	pending map[domain.MediaKind][]*producer // producers awaiting their remote track
}

type producer struct {
	id      domain.ProducerID
	stageID domain.StageID
	kind    domain.MediaKind

	mu        sync.RWMutex
	consumers map[domain.ConsumerID]*consumer
	closed    chan struct{}
	closeOnce sync.Once
}

type consumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	transport  domain.TransportID
	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	paused     atomic.Bool
}

// sdpBlob is the shape of the opaque dtls/rtp parameter fields.
type sdpBlob struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func NewEngine(cfg EngineConfig, logger *zap.SugaredLogger) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range cfg.Codecs {
		kind := webrtc.RTPCodecTypeAudio
		if strings.HasPrefix(c.MimeType, "video/") {
			kind = webrtc.RTPCodecTypeVideo
		}
		if err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  c.MimeType,
				ClockRate: c.ClockRate,
				Channels:  c.Channels,
			},
			PayloadType: webrtc.PayloadType(c.PayloadType),
		}, kind); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", c.MimeType, err)
		}
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("failed to set port range: %w", err)
		}
	}

	caps, err := json.Marshal(map[string]interface{}{"codecs": cfg.Codecs})
	if err != nil {
		return nil, err
	}

	return &Engine{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(settingEngine)),
		cfg:        cfg,
		caps:       domain.RTPCapabilities(caps),
		transports: make(map[domain.TransportID]*transport),
		producers:  make(map[domain.ProducerID]*producer),
		consumers:  make(map[domain.ConsumerID]*consumer),
		stages:     make(map[domain.StageID]map[domain.ProducerID]struct{}),
		logger:     logger,
	}, nil
}

var _ ports.MediaEngine = (*Engine)(nil)

func (e *Engine) RouterCapabilities(ctx context.Context, stageID domain.StageID) (domain.RTPCapabilities, error) {
	e.mu.Lock()
	if _, ok := e.stages[stageID]; !ok {
		e.stages[stageID] = make(map[domain.ProducerID]struct{})
	}
	e.mu.Unlock()
	return e.caps, nil
}

func (e *Engine) CreateTransport(ctx context.Context, stageID domain.StageID, direction domain.TransportDirection) (*domain.TransportInfo, error) {
	pc, err := e.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &transport{
		id:        domain.TransportID(uuid.NewString()),
		stageID:   stageID,
		direction: direction,
		pc:        pc,
		pending:   make(map[domain.MediaKind][]*producer),
	}

	if direction == domain.DirectionSend {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
			}
		}
		pc.OnTrack(e.handleIncomingTrack(t))
	} else {
		// Anchors DTLS so the transport can connect before any consumer
		// track exists.
		if _, err := pc.CreateDataChannel("stagecast", nil); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create bootstrap data channel: %w", err)
		}
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Infow("transport connection state changed",
			"transport_id", t.id,
			"direction", direction,
			"state", state,
		)
	})

	offerSDP, err := e.negotiateLocalOffer(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	e.mu.Lock()
	e.transports[t.id] = t
	e.mu.Unlock()

	dtls, _ := json.Marshal(sdpBlob{Type: "offer", SDP: offerSDP})
	return &domain.TransportInfo{
		ID:             t.id,
		DTLSParameters: dtls,
	}, nil
}

func (e *Engine) ConnectTransport(ctx context.Context, transportID domain.TransportID, dtls json.RawMessage) error {
	t := e.transport(transportID)
	if t == nil {
		return domain.ErrTransportNotFound
	}

	var blob sdpBlob
	if err := json.Unmarshal(dtls, &blob); err != nil {
		return fmt.Errorf("malformed dtls parameters: %w", err)
	}

	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  blob.SDP,
	})
}

func (e *Engine) Produce(ctx context.Context, transportID domain.TransportID, kind domain.MediaKind, rtpParams json.RawMessage) (domain.ProducerID, error) {
	t := e.transport(transportID)
	if t == nil {
		return "", domain.ErrTransportNotFound
	}
	if t.direction != domain.DirectionSend {
		return "", fmt.Errorf("transport %s cannot produce", transportID)
	}

	p := &producer{
		id:        domain.ProducerID(uuid.NewString()),
		stageID:   t.stageID,
		kind:      kind,
		consumers: make(map[domain.ConsumerID]*consumer),
		closed:    make(chan struct{}),
	}

	t.mu.Lock()
	t.pending[kind] = append(t.pending[kind], p)
	t.mu.Unlock()

	e.mu.Lock()
	e.producers[p.id] = p
	if stage, ok := e.stages[t.stageID]; ok {
		stage[p.id] = struct{}{}
	}
	e.mu.Unlock()

	return p.id, nil
}

func (e *Engine) Consume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RTPCapabilities) (*domain.ConsumerInfo, error) {
	t := e.transport(transportID)
	if t == nil {
		return nil, domain.ErrTransportNotFound
	}
	if t.direction != domain.DirectionReceive {
		return nil, fmt.Errorf("transport %s cannot consume", transportID)
	}

	e.mu.RLock()
	p := e.producers[producerID]
	e.mu.RUnlock()
	if p == nil {
		return nil, domain.ErrProducerNotFound
	}

	codec, err := e.codecFor(p.kind)
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticRTP(codec, string(producerID), "stagecast")
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer track: %w", err)
	}

	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("failed to attach consumer track: %w", err)
	}
	go discardRTCP(sender)

	c := &consumer{
		id:         domain.ConsumerID(uuid.NewString()),
		producerID: producerID,
		transport:  transportID,
		track:      track,
		sender:     sender,
	}
	c.paused.Store(true)

	offerSDP, err := e.negotiateLocalOffer(t.pc)
	if err != nil {
		t.pc.RemoveTrack(sender)
		return nil, err
	}

	p.mu.Lock()
	p.consumers[c.id] = c
	p.mu.Unlock()

	e.mu.Lock()
	e.consumers[c.id] = c
	e.mu.Unlock()

	rtpParams, _ := json.Marshal(sdpBlob{Type: "offer", SDP: offerSDP})
	return &domain.ConsumerInfo{
		ID:            c.id,
		ProducerID:    producerID,
		Kind:          p.kind,
		RTPParameters: rtpParams,
	}, nil
}

func (e *Engine) ResumeConsumer(ctx context.Context, consumerID domain.ConsumerID) error {
	e.mu.RLock()
	c := e.consumers[consumerID]
	e.mu.RUnlock()
	if c == nil {
		return domain.ErrConsumerNotFound
	}
	c.paused.Store(false)
	return nil
}

func (e *Engine) CloseProducer(ctx context.Context, producerID domain.ProducerID) error {
	e.mu.Lock()
	p := e.producers[producerID]
	delete(e.producers, producerID)
	if p != nil {
		if stage, ok := e.stages[p.stageID]; ok {
			delete(stage, producerID)
		}
	}
	e.mu.Unlock()

	if p == nil {
		return domain.ErrProducerNotFound
	}
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (e *Engine) CloseConsumer(ctx context.Context, consumerID domain.ConsumerID) error {
	e.mu.Lock()
	c := e.consumers[consumerID]
	delete(e.consumers, consumerID)
	p := (*producer)(nil)
	if c != nil {
		p = e.producers[c.producerID]
	}
	e.mu.Unlock()

	if c == nil {
		return domain.ErrConsumerNotFound
	}
	if p != nil {
		p.mu.Lock()
		delete(p.consumers, c.id)
		p.mu.Unlock()
	}
	if t := e.transport(c.transport); t != nil {
		t.pc.RemoveTrack(c.sender)
	}
	return nil
}

func (e *Engine) CloseTransport(ctx context.Context, transportID domain.TransportID) error {
	e.mu.Lock()
	t := e.transports[transportID]
	delete(e.transports, transportID)
	e.mu.Unlock()

	if t == nil {
		return domain.ErrTransportNotFound
	}
	return t.pc.Close()
}

func (e *Engine) CloseStage(ctx context.Context, stageID domain.StageID) error {
	e.mu.Lock()
	producers := e.stages[stageID]
	delete(e.stages, stageID)
	e.mu.Unlock()

	for id := range producers {
		e.CloseProducer(ctx, id)
	}
	return nil
}

func (e *Engine) transport(id domain.TransportID) *transport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transports[id]
}

func (e *Engine) codecFor(kind domain.MediaKind) (webrtc.RTPCodecCapability, error) {
	prefix := "audio/"
	if kind == domain.KindVideo {
		prefix = "video/"
	}
	for _, c := range e.cfg.Codecs {
		if strings.HasPrefix(c.MimeType, prefix) {
			return webrtc.RTPCodecCapability{
				MimeType:  c.MimeType,
				ClockRate: c.ClockRate,
				Channels:  c.Channels,
			}, nil
		}
	}
	return webrtc.RTPCodecCapability{}, fmt.Errorf("no configured codec for kind %s", kind)
}

func (e *Engine) newPeerConnection() (*webrtc.PeerConnection, error) {
	return e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: e.cfg.ICEServers,
	})
}

// negotiateLocalOffer creates an offer, applies it locally and waits for ICE
// gathering so the SDP carries all candidates.
func (e *Engine) negotiateLocalOffer(pc *webrtc.PeerConnection) (string, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		// Use whatever was gathered so far.
	}

	return pc.LocalDescription().SDP, nil
}

// handleIncomingTrack pairs a freshly arrived remote track with the oldest
// pending producer of the same kind and starts forwarding.
func (e *Engine) handleIncomingTrack(t *transport) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		kind := domain.KindAudio
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			kind = domain.KindVideo
		}

		t.mu.Lock()
		var p *producer
		if queue := t.pending[kind]; len(queue) > 0 {
			p = queue[0]
			t.pending[kind] = queue[1:]
		}
		t.mu.Unlock()

		if p == nil {
			e.logger.Warnw("incoming track without a pending producer",
				"transport_id", t.id,
				"kind", kind,
			)
			return
		}

		e.logger.Infow("producer track live",
			"transport_id", t.id,
			"producer_id", p.id,
			"kind", kind,
			"codec", remote.Codec().MimeType,
		)

		if kind == domain.KindVideo {
			go e.sendPLI(t.pc, remote, p.closed)
		}
		go e.forward(p, remote)
	}
}

// forward copies RTP from the publisher's remote track into every unpaused
// consumer track.
func (e *Engine) forward(p *producer, remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500) // MTU size
	pkt := &rtp.Packet{}

	for {
		select {
		case <-p.closed:
			return
		default:
		}

		n, _, err := remote.Read(buf)
		if err != nil {
			if err != io.EOF {
				e.logger.Warnw("error reading producer track", "producer_id", p.id, "error", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			e.logger.Warnw("error unmarshaling RTP packet", "producer_id", p.id, "error", err)
			continue
		}

		p.mu.RLock()
		for _, c := range p.consumers {
			if c.paused.Load() {
				continue
			}
			if err := c.track.WriteRTP(pkt); err != nil && err != io.ErrClosedPipe {
				e.logger.Debugw("error forwarding RTP packet", "consumer_id", c.id, "error", err)
			}
		}
		p.mu.RUnlock()
	}
}

// sendPLI periodically asks the publisher for a keyframe so late subscribers
// can start decoding.
func (e *Engine) sendPLI(pc *webrtc.PeerConnection, remote *webrtc.TrackRemote, done <-chan struct{}) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// discardRTCP drains a sender's RTCP stream; pion requires the read.
func discardRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
