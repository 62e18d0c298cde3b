package stageclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"stagecast/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// sdpBlob is the parameter encoding the server engine uses: session
// descriptions wrapped in JSON, opaque to everything in between.
type sdpBlob struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// PionDevice implements Device on top of pion. Server-allocated transports
// arrive as SDP offers; the device answers through the transport's connect
// callback, and renegotiation answers for new consumers travel the same way.
type PionDevice struct {
	config webrtc.Configuration

	mu     sync.Mutex
	loaded bool
	caps   domain.RTPCapabilities

	logger *zap.SugaredLogger
}

func NewPionDevice(config webrtc.Configuration, logger *zap.SugaredLogger) *PionDevice {
	return &PionDevice{config: config, logger: logger}
}

var _ Device = (*PionDevice)(nil)

func (d *PionDevice) Load(routerCapabilities domain.RTPCapabilities) error {
	var caps struct {
		Codecs []json.RawMessage `json:"codecs"`
	}
	if err := json.Unmarshal(routerCapabilities, &caps); err != nil {
		return fmt.Errorf("malformed router capabilities: %w", err)
	}
	if len(caps.Codecs) == 0 {
		return fmt.Errorf("router offers no codecs")
	}

	d.mu.Lock()
	d.caps = routerCapabilities
	d.loaded = true
	d.mu.Unlock()
	return nil
}

func (d *PionDevice) RTPCapabilities() domain.RTPCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *PionDevice) CreateSendTransport(info *domain.TransportInfo) (SendTransport, error) {
	base, err := d.newTransport(info)
	if err != nil {
		return nil, err
	}
	return &pionSendTransport{pionTransport: base}, nil
}

func (d *PionDevice) CreateReceiveTransport(info *domain.TransportInfo) (ReceiveTransport, error) {
	base, err := d.newTransport(info)
	if err != nil {
		return nil, err
	}
	t := &pionReceiveTransport{
		pionTransport: base,
		awaiting:      make(map[string]*pionConsumer),
	}
	base.pc.OnTrack(t.handleTrack)
	return t, nil
}

func (d *PionDevice) newTransport(info *domain.TransportInfo) (*pionTransport, error) {
	d.mu.Lock()
	loaded := d.loaded
	d.mu.Unlock()
	if !loaded {
		return nil, fmt.Errorf("device not loaded")
	}

	var offer sdpBlob
	if err := json.Unmarshal(info.DTLSParameters, &offer); err != nil {
		return nil, fmt.Errorf("malformed transport parameters: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(d.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to apply server offer: %w", err)
	}

	t := &pionTransport{
		id:     info.ID,
		pc:     pc,
		logger: d.logger,
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.mu.Lock()
		fn := t.onStateChange
		t.mu.Unlock()
		if fn != nil {
			fn(state.String())
		}
	})
	return t, nil
}

type pionTransport struct {
	id domain.TransportID
	pc *webrtc.PeerConnection

	mu            sync.Mutex
	onConnect     func(dtlsParameters json.RawMessage) error
	onStateChange func(state string)
	connected     bool

	logger *zap.SugaredLogger
}

func (t *pionTransport) ID() domain.TransportID { return t.id }

func (t *pionTransport) OnConnect(fn func(dtlsParameters json.RawMessage) error) {
	t.mu.Lock()
	t.onConnect = fn
	t.mu.Unlock()
}

func (t *pionTransport) OnConnectionStateChange(fn func(state string)) {
	t.mu.Lock()
	t.onStateChange = fn
	t.mu.Unlock()
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

// answer creates the local answer against the current remote description and
// pushes it to the server through the connect callback. Used both for the
// initial connect and for renegotiations.
func (t *pionTransport) answer() error {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local answer: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(5 * time.Second):
	}

	local := t.pc.LocalDescription()
	raw, err := json.Marshal(sdpBlob{Type: "answer", SDP: local.SDP})
	if err != nil {
		return err
	}

	t.mu.Lock()
	fn := t.onConnect
	t.connected = true
	t.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("no connect callback registered on transport %s", t.id)
	}
	return fn(raw)
}

type pionSendTransport struct {
	*pionTransport
}

// RegisterTrack attaches a local pion track and answers the server's offer.
// The server pairs the incoming track with its producer by media kind, so
// the returned parameters only carry identification.
func (t *pionSendTransport) RegisterTrack(track LocalTrack) (domain.MediaKind, json.RawMessage, error) {
	pionTrack, ok := track.(*PionLocalTrack)
	if !ok {
		return "", nil, fmt.Errorf("track %s is not a pion track", track.ID())
	}

	if _, err := t.pc.AddTrack(pionTrack.track); err != nil {
		return "", nil, fmt.Errorf("failed to add track: %w", err)
	}
	if err := t.answer(); err != nil {
		return "", nil, err
	}

	params, err := json.Marshal(map[string]string{
		"track_id": track.ID(),
		"kind":     string(track.Kind()),
	})
	if err != nil {
		return "", nil, err
	}
	return track.Kind(), params, nil
}

type pionReceiveTransport struct {
	*pionTransport

	awaitMu  sync.Mutex
	awaiting map[string]*pionConsumer // keyed by producer id, which the server uses as track id
}

// Consume applies the server's renegotiation offer and answers it; the remote
// track arrives asynchronously and is paired by producer id.
func (t *pionReceiveTransport) Consume(id domain.ConsumerID, producerID domain.ProducerID, kind domain.MediaKind, rtpParameters json.RawMessage) (Consumer, error) {
	var offer sdpBlob
	if err := json.Unmarshal(rtpParameters, &offer); err != nil {
		return nil, fmt.Errorf("malformed consumer parameters: %w", err)
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return nil, fmt.Errorf("failed to apply consumer offer: %w", err)
	}

	c := &pionConsumer{
		id:         id,
		producerID: producerID,
		kind:       kind,
		arrived:    make(chan struct{}),
	}
	t.awaitMu.Lock()
	t.awaiting[string(producerID)] = c
	t.awaitMu.Unlock()

	if err := t.answer(); err != nil {
		t.awaitMu.Lock()
		delete(t.awaiting, string(producerID))
		t.awaitMu.Unlock()
		return nil, err
	}
	return c, nil
}

func (t *pionReceiveTransport) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	t.awaitMu.Lock()
	c, ok := t.awaiting[track.ID()]
	if ok {
		delete(t.awaiting, track.ID())
	}
	t.awaitMu.Unlock()

	if !ok {
		t.logger.Warnw("unexpected remote track", "track_id", track.ID())
		return
	}
	c.setTrack(track)
}

type pionConsumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind

	mu      sync.Mutex
	track   *webrtc.TrackRemote
	arrived chan struct{}
	resumed bool
	closed  bool
}

func (c *pionConsumer) ID() domain.ConsumerID         { return c.id }
func (c *pionConsumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *pionConsumer) Kind() domain.MediaKind        { return c.kind }

func (c *pionConsumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s closed", c.id)
	}
	c.resumed = true
	return nil
}

func (c *pionConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Track blocks until the remote track arrives, up to a short deadline. The
// server only forwards media after finish-consume, so the track is normally
// already here by the time the UI asks for it.
func (c *pionConsumer) Track() interface{} {
	select {
	case <-c.arrived:
	case <-time.After(10 * time.Second):
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track
}

func (c *pionConsumer) setTrack(track *webrtc.TrackRemote) {
	c.mu.Lock()
	c.track = track
	c.mu.Unlock()
	close(c.arrived)
}

// PionLocalTrack wraps a pion local track as a publishable LocalTrack.
type PionLocalTrack struct {
	track webrtc.TrackLocal
	kind  domain.MediaKind

	stopMu  sync.Mutex
	stopped bool
	onStop  func()
}

// NewPionLocalTrack wraps track; onStop, if non-nil, runs once when the track
// is stopped (typically shutting down the sample feeder).
func NewPionLocalTrack(track webrtc.TrackLocal, kind domain.MediaKind, onStop func()) *PionLocalTrack {
	return &PionLocalTrack{track: track, kind: kind, onStop: onStop}
}

func (t *PionLocalTrack) ID() string             { return t.track.ID() }
func (t *PionLocalTrack) Kind() domain.MediaKind { return t.kind }

func (t *PionLocalTrack) Stop() error {
	t.stopMu.Lock()
	defer t.stopMu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	if t.onStop != nil {
		t.onStop()
	}
	return nil
}

// Unwrap exposes the underlying pion track, for attaching to peer links.
func (t *PionLocalTrack) Unwrap() webrtc.TrackLocal { return t.track }
