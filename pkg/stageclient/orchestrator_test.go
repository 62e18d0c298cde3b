package stageclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/infrastructure/signal"
	"stagecast/pkg/channel"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSignalServer scripts the server side of the protocol for one client.
type fakeSignalServer struct {
	t  *testing.T
	mu sync.Mutex

	handlers map[string]func(payload json.RawMessage) (interface{}, *signal.ErrorBody)
	requests []string
	emits    []signal.Message
	ws       *websocket.Conn
	ready    chan struct{}
	srv      *httptest.Server
}

func newFakeSignalServer(t *testing.T) *fakeSignalServer {
	t.Helper()
	f := &fakeSignalServer{
		t:        t,
		handlers: make(map[string]func(json.RawMessage) (interface{}, *signal.ErrorBody)),
		ready:    make(chan struct{}),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.ws = ws
		f.mu.Unlock()
		close(f.ready)
		f.serve(ws)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSignalServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeSignalServer) on(event string, fn func(json.RawMessage) (interface{}, *signal.ErrorBody)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = fn
}

func (f *fakeSignalServer) serve(ws *websocket.Conn) {
	for {
		var msg signal.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, msg.Event)
		if msg.ID == "" {
			f.emits = append(f.emits, msg)
		}
		fn := f.handlers[msg.Event]
		f.mu.Unlock()

		if msg.ID == "" {
			continue
		}
		reply := signal.Message{ID: msg.ID, Event: msg.Event}
		if fn == nil {
			reply.Error = &signal.ErrorBody{Code: signal.CodeInvalid, Message: "unscripted event " + msg.Event}
		} else if payload, errBody := fn(msg.Payload); errBody != nil {
			reply.Error = errBody
		} else {
			raw, err := json.Marshal(payload)
			require.NoError(f.t, err)
			reply.Payload = raw
		}
		f.mu.Lock()
		err := ws.WriteJSON(reply)
		f.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// push emits a server-initiated event to the connected client.
func (f *fakeSignalServer) push(event string, payload interface{}) {
	f.t.Helper()
	select {
	case <-f.ready:
	case <-time.After(2 * time.Second):
		f.t.Fatal("no client connected")
	}
	raw, err := json.Marshal(payload)
	require.NoError(f.t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NoError(f.t, f.ws.WriteJSON(signal.Message{Event: event, Payload: raw}))
}

// waitEmit blocks until a fire-and-forget message with the given event has
// arrived, skipping any already consumed by an earlier call.
func (f *fakeSignalServer) waitEmit(event string, after int) (signal.Message, int) {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for i := after; i < len(f.emits); i++ {
			if f.emits[i].Event == event {
				msg := f.emits[i]
				f.mu.Unlock()
				return msg, i + 1
			}
		}
		f.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	f.t.Fatalf("no %s emitted", event)
	return signal.Message{}, after
}

func (f *fakeSignalServer) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeSignalServer) scriptMediaPath() {
	f.on(signal.EventGetRTPCapabilities, func(json.RawMessage) (interface{}, *signal.ErrorBody) {
		return json.RawMessage(`{"codecs":[]}`), nil
	})
	f.on(signal.EventCreateSendTransport, func(json.RawMessage) (interface{}, *signal.ErrorBody) {
		return domain.TransportInfo{ID: "send-transport-1"}, nil
	})
	f.on(signal.EventCreateReceiveTransport, func(json.RawMessage) (interface{}, *signal.ErrorBody) {
		return domain.TransportInfo{ID: "recv-transport-1"}, nil
	})
	f.on(signal.EventConnectTransport, func(json.RawMessage) (interface{}, *signal.ErrorBody) {
		return struct{}{}, nil
	})
	f.on(signal.EventSendTrack, func(json.RawMessage) (interface{}, *signal.ErrorBody) {
		return signal.SendTrackResponse{ProducerID: "producer-1"}, nil
	})
	f.on(signal.EventConsume, func(payload json.RawMessage) (interface{}, *signal.ErrorBody) {
		var req signal.ConsumeRequest
		json.Unmarshal(payload, &req)
		return domain.ConsumerInfo{ID: "consumer-1", ProducerID: req.ProducerID, Kind: domain.KindAudio}, nil
	})
	f.on(signal.EventFinishConsume, func(json.RawMessage) (interface{}, *signal.ErrorBody) {
		return struct{}{}, nil
	})
}

// Fake device stack.

type fakeDevice struct {
	mu     sync.Mutex
	loaded domain.RTPCapabilities
	send   *fakeSendTransport
	recv   *fakeReceiveTransport
}

func (d *fakeDevice) Load(caps domain.RTPCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded = caps
	return nil
}

func (d *fakeDevice) RTPCapabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities(`{"codecs":[]}`)
}

func (d *fakeDevice) CreateSendTransport(info *domain.TransportInfo) (SendTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.send = &fakeSendTransport{fakeTransport: fakeTransport{id: info.ID}}
	return d.send, nil
}

func (d *fakeDevice) CreateReceiveTransport(info *domain.TransportInfo) (ReceiveTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recv = &fakeReceiveTransport{fakeTransport: fakeTransport{id: info.ID}}
	return d.recv, nil
}

type fakeTransport struct {
	id        domain.TransportID
	onConnect func(json.RawMessage) error
	onState   func(string)
	closed    bool
	mu        sync.Mutex
}

func (t *fakeTransport) ID() domain.TransportID { return t.id }

func (t *fakeTransport) OnConnect(fn func(json.RawMessage) error) { t.onConnect = fn }

func (t *fakeTransport) OnConnectionStateChange(fn func(string)) { t.onState = fn }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// connect simulates the first negotiation, as a real device would during
// track registration or consumption.
func (t *fakeTransport) connect() error {
	if t.onConnect == nil {
		return nil
	}
	return t.onConnect(json.RawMessage(`{"type":"answer","sdp":"v=0"}`))
}

type fakeSendTransport struct {
	fakeTransport
	registered []string
}

func (t *fakeSendTransport) RegisterTrack(track LocalTrack) (domain.MediaKind, json.RawMessage, error) {
	if err := t.connect(); err != nil {
		return "", nil, err
	}
	t.mu.Lock()
	t.registered = append(t.registered, track.ID())
	t.mu.Unlock()
	return track.Kind(), json.RawMessage(`{"track_id":"` + track.ID() + `"}`), nil
}

type fakeReceiveTransport struct {
	fakeTransport
	consumers []*fakeConsumer
}

func (t *fakeReceiveTransport) Consume(id domain.ConsumerID, producerID domain.ProducerID, kind domain.MediaKind, rtp json.RawMessage) (Consumer, error) {
	if err := t.connect(); err != nil {
		return nil, err
	}
	c := &fakeConsumer{id: id, producerID: producerID, kind: kind}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

type fakeConsumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind

	mu      sync.Mutex
	resumed bool
	closed  bool
}

func (c *fakeConsumer) ID() domain.ConsumerID         { return c.id }
func (c *fakeConsumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *fakeConsumer) Kind() domain.MediaKind        { return c.kind }
func (c *fakeConsumer) Track() interface{}            { return nil }

func (c *fakeConsumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed = true
	return nil
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConsumer) state() (resumed, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumed, c.closed
}

type fakeLocalTrack struct {
	id      string
	kind    domain.MediaKind
	mu      sync.Mutex
	stopped bool
}

func (t *fakeLocalTrack) ID() string             { return t.id }
func (t *fakeLocalTrack) Kind() domain.MediaKind { return t.kind }

func (t *fakeLocalTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func dialChannel(t *testing.T, f *fakeSignalServer) *channel.Channel {
	t.Helper()
	ch, err := channel.Connect(context.Background(), f.url(), channel.DefaultOptions(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestOrchestrator_StartExchangesCapabilities(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptMediaPath()
	ch := dialChannel(t, f)

	device := &fakeDevice{}
	o := NewOrchestrator(ch, device, "self", zap.NewNop().Sugar())
	require.NoError(t, o.Start(context.Background()))

	send, recv := o.States()
	assert.Equal(t, StateCapabilitiesExchanged, send)
	assert.Equal(t, StateCapabilitiesExchanged, recv)

	device.mu.Lock()
	defer device.mu.Unlock()
	assert.NotEmpty(t, device.loaded)
}

func TestOrchestrator_StartFailsWithoutCapabilities(t *testing.T) {
	f := newFakeSignalServer(t)
	f.on(signal.EventGetRTPCapabilities, func(json.RawMessage) (interface{}, *signal.ErrorBody) {
		return nil, &signal.ErrorBody{Code: signal.CodeEngine, Message: "router down"}
	})
	ch := dialChannel(t, f)

	o := NewOrchestrator(ch, &fakeDevice{}, "self", zap.NewNop().Sugar())
	err := o.Start(context.Background())
	require.Error(t, err)

	send, _ := o.States()
	assert.Equal(t, StateIdle, send)
}

func TestOrchestrator_PublishBeforeStart(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptMediaPath()
	ch := dialChannel(t, f)

	o := NewOrchestrator(ch, &fakeDevice{}, "self", zap.NewNop().Sugar())
	_, err := o.PublishTrack(context.Background(), &fakeLocalTrack{id: "mic", kind: domain.KindAudio})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestOrchestrator_PublishTrack_FiveStepOrder(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptMediaPath()
	ch := dialChannel(t, f)

	device := &fakeDevice{}
	o := NewOrchestrator(ch, device, "self", zap.NewNop().Sugar())
	require.NoError(t, o.Start(context.Background()))

	producerID, err := o.PublishTrack(context.Background(), &fakeLocalTrack{id: "mic", kind: domain.KindAudio})
	require.NoError(t, err)
	assert.Equal(t, domain.ProducerID("producer-1"), producerID)

	send, _ := o.States()
	assert.Equal(t, StateProducing, send)

	// Capabilities, then transport creation, then connect, then produce.
	log := f.requestLog()
	assert.Equal(t, []string{
		signal.EventGetRTPCapabilities,
		signal.EventCreateSendTransport,
		signal.EventConnectTransport,
		signal.EventSendTrack,
	}, log)

	// A second track reuses the transport.
	_, err = o.PublishTrack(context.Background(), &fakeLocalTrack{id: "guitar", kind: domain.KindAudio})
	require.NoError(t, err)
	count := 0
	for _, ev := range f.requestLog() {
		if ev == signal.EventCreateSendTransport {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestOrchestrator_ConsumesRemoteProducerPausedThenResumed(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptMediaPath()
	ch := dialChannel(t, f)

	device := &fakeDevice{}
	o := NewOrchestrator(ch, device, "self", zap.NewNop().Sugar())

	events := make(chan ConsumerEvent, 1)
	o.OnConsumer(func(ev ConsumerEvent) { events <- ev })
	require.NoError(t, o.Start(context.Background()))

	f.push(signal.EventProducerAdded, domain.ProducerInfo{
		OwnerParticipantID: "other",
		ProducerID:         "producer-9",
		Kind:               domain.KindAudio,
	})

	select {
	case ev := <-events:
		assert.Equal(t, domain.ProducerID("producer-9"), ev.ProducerID)
		assert.Equal(t, domain.ParticipantID("other"), ev.ParticipantID)
	case <-time.After(2 * time.Second):
		t.Fatal("remote producer never became consumable")
	}

	// finish-consume is acknowledged before the local resume.
	log := f.requestLog()
	assert.Contains(t, log, signal.EventConsume)
	assert.Contains(t, log, signal.EventFinishConsume)

	device.mu.Lock()
	recv := device.recv
	device.mu.Unlock()
	require.NotNil(t, recv)
	require.Len(t, recv.consumers, 1)
	resumed, closed := recv.consumers[0].state()
	assert.True(t, resumed)
	assert.False(t, closed)
}

func TestOrchestrator_SkipsOwnProducer(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptMediaPath()
	ch := dialChannel(t, f)

	o := NewOrchestrator(ch, &fakeDevice{}, "self", zap.NewNop().Sugar())
	require.NoError(t, o.Start(context.Background()))

	f.push(signal.EventProducerAdded, domain.ProducerInfo{
		OwnerParticipantID: "self",
		ProducerID:         "producer-1",
		Kind:               domain.KindAudio,
	})

	time.Sleep(100 * time.Millisecond)
	assert.NotContains(t, f.requestLog(), signal.EventConsume)
}

func TestOrchestrator_FinishConsumeFailureClosesConsumer(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptMediaPath()
	f.on(signal.EventFinishConsume, func(json.RawMessage) (interface{}, *signal.ErrorBody) {
		return nil, &signal.ErrorBody{Code: signal.CodeNotFound, Message: "consumer gone"}
	})
	ch := dialChannel(t, f)

	device := &fakeDevice{}
	o := NewOrchestrator(ch, device, "self", zap.NewNop().Sugar())
	o.OnConsumer(func(ConsumerEvent) { t.Error("consumer event for a failed consume") })
	require.NoError(t, o.Start(context.Background()))

	f.push(signal.EventProducerAdded, domain.ProducerInfo{
		OwnerParticipantID: "other",
		ProducerID:         "producer-9",
		Kind:               domain.KindAudio,
	})

	require.Eventually(t, func() bool {
		device.mu.Lock()
		recv := device.recv
		device.mu.Unlock()
		if recv == nil {
			return false
		}
		recv.mu.Lock()
		defer recv.mu.Unlock()
		if len(recv.consumers) != 1 {
			return false
		}
		resumed, closed := recv.consumers[0].state()
		return closed && !resumed
	}, 2*time.Second, 20*time.Millisecond)
}

func TestOrchestrator_ProducerRemovedDropsConsumer(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptMediaPath()
	ch := dialChannel(t, f)

	device := &fakeDevice{}
	o := NewOrchestrator(ch, device, "self", zap.NewNop().Sugar())
	events := make(chan ConsumerEvent, 1)
	o.OnConsumer(func(ev ConsumerEvent) { events <- ev })
	require.NoError(t, o.Start(context.Background()))

	f.push(signal.EventProducerAdded, domain.ProducerInfo{
		OwnerParticipantID: "other",
		ProducerID:         "producer-9",
		Kind:               domain.KindAudio,
	})
	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("consume never completed")
	}

	f.push(signal.EventProducerRemoved, domain.ProducerInfo{
		OwnerParticipantID: "other",
		ProducerID:         "producer-9",
		Kind:               domain.KindAudio,
	})

	require.Eventually(t, func() bool {
		device.mu.Lock()
		recv := device.recv
		device.mu.Unlock()
		recv.mu.Lock()
		defer recv.mu.Unlock()
		_, closed := recv.consumers[0].state()
		return closed
	}, 2*time.Second, 20*time.Millisecond)
}

func TestOrchestrator_DisconnectNotifiedOnce(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptMediaPath()
	ch := dialChannel(t, f)

	device := &fakeDevice{}
	o := NewOrchestrator(ch, device, "self", zap.NewNop().Sugar())
	var notices []string
	var mu sync.Mutex
	o.OnDisconnected(func(reason string) {
		mu.Lock()
		notices = append(notices, reason)
		mu.Unlock()
	})
	require.NoError(t, o.Start(context.Background()))
	_, err := o.PublishTrack(context.Background(), &fakeLocalTrack{id: "mic", kind: domain.KindAudio})
	require.NoError(t, err)

	device.mu.Lock()
	send := device.send
	device.mu.Unlock()
	send.onState("failed")
	send.onState("closed")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "failed")
}
