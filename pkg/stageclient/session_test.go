package stageclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/infrastructure/signal"
	"stagecast/pkg/channel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func (f *fakeSignalServer) scriptStage() {
	f.on(signal.EventCreateStage, func(payload json.RawMessage) (interface{}, *signal.ErrorBody) {
		return signal.CreateStageResponse{
			StageID:       "stage-1",
			ParticipantID: "participant-1",
			ConnectionID:  "conn-1",
		}, nil
	})
	f.on(signal.EventJoinStage, func(payload json.RawMessage) (interface{}, *signal.ErrorBody) {
		return signal.JoinStageResponse{
			Stage:         domain.Stage{ID: "stage-1", Name: "rehearsal", Kind: domain.KindMusic, Mode: domain.ModeSFU},
			Roster:        []domain.ParticipantInfo{{ParticipantID: "participant-0"}, {ParticipantID: "participant-2"}},
			ParticipantID: "participant-2",
			ConnectionID:  "conn-2",
		}, nil
	})
	f.on(signal.EventLeaveStage, func(json.RawMessage) (interface{}, *signal.ErrorBody) {
		return struct{}{}, nil
	})
}

func newTestSession(t *testing.T, f *fakeSignalServer) *Session {
	t.Helper()
	s := NewSession(SessionConfig{
		ServerURL: f.url(),
		Token:     "test-token",
		Device:    &fakeDevice{},
		Channel:   channel.DefaultOptions(),
	}, zap.NewNop().Sugar())
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func TestSession_ConnectCreatePublishLifecycle(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptStage()
	f.scriptMediaPath()

	s := newTestSession(t, f)
	assert.Equal(t, SessionDisconnected, s.State())

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, SessionConnected, s.State())

	stage, err := s.CreateStage(context.Background(), "rehearsal", domain.KindMusic, domain.ModeSFU, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StageID("stage-1"), stage.ID)
	assert.Equal(t, SessionInStage, s.State())
	assert.Equal(t, domain.ParticipantID("participant-1"), s.ParticipantID())

	track := &fakeLocalTrack{id: "mic", kind: domain.KindAudio}
	require.NoError(t, s.PublishTrack(context.Background(), track))
	assert.Equal(t, SessionPublishing, s.State())

	require.NoError(t, s.UnpublishTrack(context.Background(), "mic"))
	assert.Equal(t, SessionInStage, s.State())
	track.mu.Lock()
	assert.True(t, track.stopped)
	track.mu.Unlock()

	require.NoError(t, s.LeaveStage(context.Background()))
	assert.Equal(t, SessionConnected, s.State())

	require.NoError(t, s.Disconnect())
	assert.Equal(t, SessionDisconnected, s.State())
}

func TestSession_MeshPublishFlowsIntoPeerLinks(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptStage()

	s := newTestSession(t, f)
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.CreateStage(context.Background(), "rehearsal", domain.KindMusic, domain.ModeMesh, "")
	require.NoError(t, err)
	require.NotNil(t, s.PeerLinks())

	track := NewPionLocalTrack(newAudioTrack(t, "mic"), domain.KindAudio, nil)
	require.NoError(t, s.PublishTrack(context.Background(), track))
	assert.Equal(t, SessionPublishing, s.State())

	// A newcomer triggers an offer that carries the published track.
	f.push(signal.EventPeerAdded, domain.ParticipantInfo{
		ParticipantID: "participant-2",
		ConnectionID:  "conn-2",
	})
	msg, _ := f.waitEmit(signal.EventMakeOffer, 0)
	var req signal.RelayRequest
	require.NoError(t, json.Unmarshal(msg.Payload, &req))

	var offer struct {
		SDP string `json:"sdp"`
	}
	require.NoError(t, json.Unmarshal(req.Offer, &offer))
	assert.Contains(t, offer.SDP, "m=audio")

	require.NoError(t, s.UnpublishTrack(context.Background(), "mic"))
	assert.Equal(t, SessionInStage, s.State())
}

func TestSession_ReentrancyGuard(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptStage()
	f.scriptMediaPath()

	s := newTestSession(t, f)
	require.NoError(t, s.Connect(context.Background()))
	_, err := s.CreateStage(context.Background(), "rehearsal", domain.KindMusic, domain.ModeSFU, "")
	require.NoError(t, err)

	// In-stage: both create and join fail fast without touching the wire.
	before := len(f.requestLog())
	_, err = s.JoinStage(context.Background(), "stage-2", "")
	assert.ErrorIs(t, err, domain.ErrAlreadyInStage)
	_, err = s.CreateStage(context.Background(), "another", domain.KindMusic, domain.ModeSFU, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyInStage)
	assert.Len(t, f.requestLog(), before)
}

func TestSession_StageOpsRequireConnection(t *testing.T) {
	f := newFakeSignalServer(t)
	s := newTestSession(t, f)

	_, err := s.CreateStage(context.Background(), "rehearsal", domain.KindMusic, domain.ModeSFU, "")
	assert.Error(t, err)
	_, err = s.JoinStage(context.Background(), "stage-1", "")
	assert.Error(t, err)
}

func TestSession_FailedJoinReturnsToConnected(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptMediaPath()
	f.on(signal.EventJoinStage, func(json.RawMessage) (interface{}, *signal.ErrorBody) {
		return nil, &signal.ErrorBody{Code: signal.CodePermission, Message: "wrong stage password"}
	})

	s := newTestSession(t, f)
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.JoinStage(context.Background(), "stage-1", "wrong")
	require.Error(t, err)
	assert.Equal(t, SessionConnected, s.State())

	// The session is still usable afterwards.
	f.scriptStage()
	_, err = s.JoinStage(context.Background(), "stage-1", "right")
	require.NoError(t, err)
	assert.Equal(t, SessionInStage, s.State())
}

func TestSession_DisconnectIdempotentFromAnyState(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptStage()
	f.scriptMediaPath()

	s := newTestSession(t, f)

	// Disconnected already: a no-op.
	require.NoError(t, s.Disconnect())

	require.NoError(t, s.Connect(context.Background()))
	_, err := s.CreateStage(context.Background(), "rehearsal", domain.KindMusic, domain.ModeSFU, "")
	require.NoError(t, err)
	require.NoError(t, s.PublishTrack(context.Background(), &fakeLocalTrack{id: "mic", kind: domain.KindAudio}))

	require.NoError(t, s.Disconnect())
	assert.Equal(t, SessionDisconnected, s.State())
	require.NoError(t, s.Disconnect())
}

func TestSession_LocalDisconnectDoesNotNotify(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptStage()
	f.scriptMediaPath()

	s := newTestSession(t, f)
	var mu sync.Mutex
	var notices []string
	s.OnDisconnected(func(reason string) {
		mu.Lock()
		notices = append(notices, reason)
		mu.Unlock()
	})

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Disconnect())

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, notices)
}

func TestSession_ServerGoneNotifiesOnce(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptStage()
	f.scriptMediaPath()

	s := newTestSession(t, f)
	notices := make(chan string, 4)
	s.OnDisconnected(func(reason string) { notices <- reason })

	require.NoError(t, s.Connect(context.Background()))
	_, err := s.CreateStage(context.Background(), "rehearsal", domain.KindMusic, domain.ModeSFU, "")
	require.NoError(t, err)

	f.srv.CloseClientConnections()

	select {
	case <-notices:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never reported")
	}
	assert.Equal(t, SessionDisconnected, s.State())

	select {
	case reason := <-notices:
		t.Fatalf("second disconnect notification: %s", reason)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSession_RosterEvents(t *testing.T) {
	f := newFakeSignalServer(t)
	f.scriptStage()
	f.scriptMediaPath()

	s := newTestSession(t, f)
	joined := make(chan domain.ParticipantInfo, 1)
	s.OnRosterEvent(func(event string, info domain.ParticipantInfo) {
		if event == signal.EventParticipantJoined {
			joined <- info
		}
	})

	require.NoError(t, s.Connect(context.Background()))
	_, err := s.CreateStage(context.Background(), "rehearsal", domain.KindMusic, domain.ModeSFU, "")
	require.NoError(t, err)

	f.push(signal.EventParticipantJoined, domain.ParticipantInfo{
		ParticipantID: "participant-2",
		Name:          "Grace",
	})

	select {
	case info := <-joined:
		assert.Equal(t, domain.ParticipantID("participant-2"), info.ParticipantID)
	case <-time.After(2 * time.Second):
		t.Fatal("roster event never delivered")
	}
}
