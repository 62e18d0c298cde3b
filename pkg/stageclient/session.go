package stageclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"stagecast/internal/core/domain"
	"stagecast/internal/infrastructure/signal"
	"stagecast/pkg/channel"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SessionState is the top-level client state.
type SessionState string

const (
	SessionDisconnected   SessionState = "disconnected"
	SessionConnecting     SessionState = "connecting"
	SessionConnected      SessionState = "connected"
	SessionAuthenticating SessionState = "authenticating"
	SessionInStage        SessionState = "in-stage"
	SessionPublishing     SessionState = "publishing"
)

// SessionConfig configures a session.
type SessionConfig struct {
	ServerURL string
	Token     string

	// Device backs the forwarded media path; required to publish or consume
	// on an SFU stage.
	Device Device

	// PeerConfig backs direct links on mesh stages.
	PeerConfig webrtc.Configuration

	Channel channel.Options
}

// Session is the top-level client controller. All methods are safe for
// concurrent use; state transitions are serialized.
type Session struct {
	cfg    SessionConfig
	logger *zap.SugaredLogger

	mu            sync.Mutex
	state         SessionState
	ch            *channel.Channel
	orchestrator  *Orchestrator
	peerLinks     *PeerLinkManager
	stage         *domain.Stage
	participantID domain.ParticipantID
	connectionID  domain.ConnectionID
	localTracks   map[string]LocalTrack

	onConsumer     func(ConsumerEvent)
	onRoster       func(event string, info domain.ParticipantInfo)
	onDisconnected func(reason string)
}

func NewSession(cfg SessionConfig, logger *zap.SugaredLogger) *Session {
	return &Session{
		cfg:         cfg,
		state:       SessionDisconnected,
		localTracks: make(map[string]LocalTrack),
		logger:      logger,
	}
}

// OnConsumer registers the callback for playable remote tracks (forwarded
// path). Must be set before CreateStage/JoinStage.
func (s *Session) OnConsumer(fn func(ConsumerEvent)) {
	s.onConsumer = fn
}

// OnRosterEvent registers the callback for participant-joined and
// participant-removed broadcasts.
func (s *Session) OnRosterEvent(fn func(event string, info domain.ParticipantInfo)) {
	s.onRoster = fn
}

// OnDisconnected registers the terminal disconnect notification. It fires at
// most once per connection; re-entry requires a full re-join.
func (s *Session) OnDisconnected(fn func(reason string)) {
	s.onDisconnected = fn
}

// State reports the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the signaling channel.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("cannot connect from state %s", s.state)
	}
	s.state = SessionConnecting
	s.mu.Unlock()

	ch, err := channel.Connect(ctx, s.cfg.ServerURL, s.cfg.Channel, s.logger)
	if err != nil {
		s.setState(SessionDisconnected)
		return err
	}

	ch.On(signal.EventParticipantJoined, s.rosterHandler(signal.EventParticipantJoined))
	ch.On(signal.EventParticipantRemoved, s.rosterHandler(signal.EventParticipantRemoved))

	go func() {
		<-ch.Done()
		s.handleChannelGone()
	}()

	s.mu.Lock()
	s.ch = ch
	s.state = SessionConnected
	s.mu.Unlock()
	return nil
}

// CreateStage creates a stage with the caller as director and starts the
// media path. Fails fast when already in a stage.
func (s *Session) CreateStage(ctx context.Context, name string, kind domain.StageKind, mode domain.CommunicationMode, password string) (*domain.Stage, error) {
	ch, err := s.beginStageOp()
	if err != nil {
		return nil, err
	}

	var resp signal.CreateStageResponse
	err = ch.RequestInto(ctx, signal.EventCreateStage, signal.CreateStageRequest{
		Token:    s.cfg.Token,
		Name:     name,
		Kind:     kind,
		Mode:     mode,
		Password: password,
	}, &resp)
	if err != nil {
		s.setState(SessionConnected)
		return nil, err
	}

	stage := &domain.Stage{ID: resp.StageID, Name: name, Kind: kind, Mode: mode}
	if err := s.enterStage(ctx, stage, resp.ParticipantID, resp.ConnectionID); err != nil {
		return nil, err
	}
	return stage, nil
}

// JoinStage joins an existing stage as an actor and starts the media path.
// Fails fast when already in a stage.
func (s *Session) JoinStage(ctx context.Context, stageID domain.StageID, password string) (*signal.JoinStageResponse, error) {
	ch, err := s.beginStageOp()
	if err != nil {
		return nil, err
	}

	var resp signal.JoinStageResponse
	err = ch.RequestInto(ctx, signal.EventJoinStage, signal.JoinStageRequest{
		Token:    s.cfg.Token,
		StageID:  stageID,
		Password: password,
	}, &resp)
	if err != nil {
		s.setState(SessionConnected)
		return nil, err
	}

	if err := s.enterStage(ctx, &resp.Stage, resp.ParticipantID, resp.ConnectionID); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PublishTrack attaches a local track: producers on the forwarded path,
// renegotiated links on the mesh path.
func (s *Session) PublishTrack(ctx context.Context, track LocalTrack) error {
	s.mu.Lock()
	if s.state != SessionInStage && s.state != SessionPublishing {
		s.mu.Unlock()
		return fmt.Errorf("cannot publish from state %s", s.state)
	}
	orchestrator := s.orchestrator
	peerLinks := s.peerLinks
	s.localTracks[track.ID()] = track
	s.mu.Unlock()

	var err error
	switch {
	case orchestrator != nil:
		_, err = orchestrator.PublishTrack(ctx, track)
	case peerLinks != nil:
		var raw webrtc.TrackLocal
		raw, err = unwrapTrack(track)
		if err == nil {
			err = peerLinks.AddLocalTrack(raw)
		}
	default:
		err = fmt.Errorf("%w: no media path on this stage", domain.ErrNotConnected)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.localTracks, track.ID())
		s.mu.Unlock()
		return err
	}

	s.setState(SessionPublishing)
	return nil
}

// unwrapTrack extracts the underlying pion track for the mesh path, where the
// session attaches it to peer links directly.
func unwrapTrack(track LocalTrack) (webrtc.TrackLocal, error) {
	u, ok := track.(interface{ Unwrap() webrtc.TrackLocal })
	if !ok {
		return nil, fmt.Errorf("track %s cannot be attached to peer links", track.ID())
	}
	return u.Unwrap(), nil
}

// UnpublishTrack stops publishing the track with the given local id.
func (s *Session) UnpublishTrack(ctx context.Context, trackID string) error {
	s.mu.Lock()
	orchestrator := s.orchestrator
	peerLinks := s.peerLinks
	track, known := s.localTracks[trackID]
	if known {
		delete(s.localTracks, trackID)
	}
	remaining := len(s.localTracks)
	s.mu.Unlock()

	if !known {
		return fmt.Errorf("%w: unknown track %s", domain.ErrProducerNotFound, trackID)
	}

	if orchestrator != nil {
		if err := orchestrator.UnpublishTrack(ctx, trackID); err != nil {
			return err
		}
	}
	if peerLinks != nil {
		if raw, err := unwrapTrack(track); err == nil {
			if err := peerLinks.RemoveLocalTrack(raw); err != nil {
				return err
			}
		}
	}
	track.Stop()

	if remaining == 0 {
		s.setState(SessionInStage)
	}
	return nil
}

// LeaveStage leaves the current stage but keeps the channel open.
func (s *Session) LeaveStage(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionInStage && s.state != SessionPublishing {
		s.mu.Unlock()
		return fmt.Errorf("cannot leave from state %s", s.state)
	}
	ch := s.ch
	s.mu.Unlock()

	s.teardownMedia()
	err := ch.RequestInto(ctx, signal.EventLeaveStage, struct{}{}, nil)

	s.mu.Lock()
	s.stage = nil
	s.participantID = ""
	s.state = SessionConnected
	s.mu.Unlock()
	return err
}

// Disconnect tears everything down and returns to disconnected. Reachable
// from any state; idempotent.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == SessionDisconnected {
		s.mu.Unlock()
		return nil
	}
	ch := s.ch
	s.ch = nil
	s.stage = nil
	s.participantID = ""
	s.state = SessionDisconnected
	s.mu.Unlock()

	s.teardownMedia()
	if ch != nil {
		return ch.Close()
	}
	return nil
}

// Stage reports the current stage, if any.
func (s *Session) Stage() (*domain.Stage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage, s.stage != nil
}

// ParticipantID reports this session's participant id on the current stage.
func (s *Session) ParticipantID() domain.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantID
}

// PeerLinks exposes the mesh link manager; nil on SFU stages.
func (s *Session) PeerLinks() *PeerLinkManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerLinks
}

// beginStageOp validates the re-entrancy guard and moves to authenticating.
func (s *Session) beginStageOp() (*channel.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case SessionInStage, SessionPublishing:
		return nil, fmt.Errorf("%w: leave the current stage first", domain.ErrAlreadyInStage)
	case SessionConnected:
		s.state = SessionAuthenticating
		return s.ch, nil
	default:
		return nil, fmt.Errorf("cannot create or join a stage from state %s", s.state)
	}
}

// enterStage starts the media path matching the stage's mode.
func (s *Session) enterStage(ctx context.Context, stage *domain.Stage, participantID domain.ParticipantID, connID domain.ConnectionID) error {
	s.mu.Lock()
	ch := s.ch
	s.stage = stage
	s.participantID = participantID
	s.connectionID = connID
	s.mu.Unlock()

	switch stage.Mode {
	case domain.ModeMesh:
		peerLinks := NewPeerLinkManager(ch, s.cfg.PeerConfig, s.logger)
		peerLinks.Start()
		s.mu.Lock()
		s.peerLinks = peerLinks
		s.mu.Unlock()

	default: // SFU
		if s.cfg.Device == nil {
			s.Disconnect()
			return fmt.Errorf("%w: a device is required for forwarded stages", domain.ErrNotConnected)
		}
		orchestrator := NewOrchestrator(ch, s.cfg.Device, participantID, s.logger)
		orchestrator.OnConsumer(func(ev ConsumerEvent) {
			if s.onConsumer != nil {
				s.onConsumer(ev)
			}
		})
		orchestrator.OnDisconnected(s.handleMediaGone)
		if err := orchestrator.Start(ctx); err != nil {
			s.Disconnect()
			return err
		}
		s.mu.Lock()
		s.orchestrator = orchestrator
		s.mu.Unlock()
	}

	s.setState(SessionInStage)
	s.logger.Infow("entered stage",
		"stage_id", stage.ID,
		"mode", stage.Mode,
		"participant_id", participantID,
	)
	return nil
}

func (s *Session) rosterHandler(event string) channel.Handler {
	return func(payload json.RawMessage) {
		if s.onRoster == nil {
			return
		}
		var info domain.ParticipantInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			return
		}
		s.onRoster(event, info)
	}
}

// teardownMedia stops local tracks and closes transports and peer links.
func (s *Session) teardownMedia() {
	s.mu.Lock()
	orchestrator := s.orchestrator
	peerLinks := s.peerLinks
	tracks := s.localTracks
	s.orchestrator = nil
	s.peerLinks = nil
	s.localTracks = make(map[string]LocalTrack)
	s.mu.Unlock()

	for _, track := range tracks {
		track.Stop()
	}
	if orchestrator != nil {
		orchestrator.Close()
	}
	if peerLinks != nil {
		peerLinks.Close()
	}
}

// handleChannelGone fires the terminal disconnect notification when the
// channel closes underneath the session.
func (s *Session) handleChannelGone() {
	s.mu.Lock()
	wasDisconnected := s.state == SessionDisconnected
	s.ch = nil
	s.stage = nil
	s.participantID = ""
	s.state = SessionDisconnected
	fn := s.onDisconnected
	s.mu.Unlock()

	s.teardownMedia()
	if !wasDisconnected && fn != nil {
		fn("channel closed")
	}
}

func (s *Session) handleMediaGone(reason string) {
	s.logger.Warnw("media path lost", "reason", reason)
	s.mu.Lock()
	fn := s.onDisconnected
	alreadyDown := s.state == SessionDisconnected
	s.mu.Unlock()

	s.Disconnect()
	if !alreadyDown && fn != nil {
		fn(reason)
	}
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
