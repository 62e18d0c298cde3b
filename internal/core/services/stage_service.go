package services

import (
	"context"
	"sync"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// stageState bundles a stage with its roster. All roster mutations for one
// stage are serialized on its mutex; different stages proceed in parallel.
type stageState struct {
	mu     sync.Mutex
	stage  *domain.Stage
	roster []*domain.Participant // join order
}

type StageService struct {
	repo        ports.StageRepository
	store       ports.StageStore // optional external directory
	broadcaster ports.Broadcaster

	states map[domain.StageID]*stageState
	byConn map[domain.ConnectionID]*domain.Participant
	mu     sync.RWMutex

	logger *zap.SugaredLogger
}

func NewStageService(repo ports.StageRepository, store ports.StageStore, logger *zap.SugaredLogger) *StageService {
	return &StageService{
		repo:   repo,
		store:  store,
		states: make(map[domain.StageID]*stageState),
		byConn: make(map[domain.ConnectionID]*domain.Participant),
		logger: logger,
	}
}

// SetBroadcaster wires the signal server in after construction; the signal
// server itself depends on this service.
func (s *StageService) SetBroadcaster(b ports.Broadcaster) {
	s.broadcaster = b
}

func (s *StageService) CreateStage(ctx context.Context, identity ports.Identity, conn domain.ConnectionID, name string, kind domain.StageKind, mode domain.CommunicationMode, password string) (*domain.Stage, *domain.Participant, error) {
	stage := &domain.Stage{
		ID:          domain.StageID(uuid.NewString()),
		Name:        name,
		Password:    password,
		Kind:        kind,
		Mode:        mode,
		DirectorUID: identity.UID,
		CreatedAt:   time.Now(),
	}

	if err := s.repo.Create(ctx, stage); err != nil {
		return nil, nil, err
	}

	participant := s.newParticipant(identity, conn, stage.ID, domain.RoleDirector)

	state := &stageState{stage: stage, roster: []*domain.Participant{participant}}
	s.mu.Lock()
	s.states[stage.ID] = state
	s.byConn[conn] = participant
	s.mu.Unlock()

	// The directory mirror is write-through; losing it must not fail the
	// create.
	if s.store != nil {
		if err := s.store.Publish(ctx, stage); err != nil {
			s.logger.Warnw("failed to publish stage to directory", "stage_id", stage.ID, "error", err)
		}
	}

	s.logger.Infow("stage created",
		"stage_id", stage.ID,
		"name", name,
		"kind", kind,
		"mode", mode,
		"director_uid", identity.UID,
	)

	return stage, participant, nil
}

func (s *StageService) JoinStage(ctx context.Context, identity ports.Identity, conn domain.ConnectionID, stageID domain.StageID, password string) (*ports.StageSnapshot, *domain.Participant, error) {
	s.mu.RLock()
	state, ok := s.states[stageID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, domain.ErrStageNotFound
	}

	state.mu.Lock()
	// Exact match; an absent stored password only matches an absent
	// supplied one.
	if state.stage.Password != password {
		state.mu.Unlock()
		return nil, nil, domain.ErrWrongPassword
	}

	participant := s.newParticipant(identity, conn, stageID, domain.RoleActor)

	existing := make([]*domain.Participant, len(state.roster))
	copy(existing, state.roster)
	state.roster = append(state.roster, participant)

	snapshot := &ports.StageSnapshot{Stage: *state.stage}
	for _, p := range state.roster {
		snapshot.Roster = append(snapshot.Roster, p.Info())
	}
	state.mu.Unlock()

	s.mu.Lock()
	s.byConn[conn] = participant
	s.mu.Unlock()

	if s.broadcaster != nil {
		for _, p := range existing {
			if err := s.broadcaster.SendToConnection(p.ConnectionID, "participant-joined", participant.Info()); err != nil {
				s.logger.Warnw("failed to notify participant of join", "connection_id", p.ConnectionID, "error", err)
			}
			// Mesh stages additionally prompt every existing member
			// to open an offer toward the newcomer. The joiner never
			// receives peer-added, so it can never be the offerer.
			if state.stage.Mode == domain.ModeMesh {
				s.broadcaster.SendToConnection(p.ConnectionID, "peer-added", participant.Info())
			}
		}
	}

	s.logger.Infow("participant joined stage",
		"stage_id", stageID,
		"participant_id", participant.ID,
		"uid", identity.UID,
	)

	return snapshot, participant, nil
}

func (s *StageService) RemoveParticipant(ctx context.Context, stageID domain.StageID, participantID domain.ParticipantID) error {
	s.mu.RLock()
	state, ok := s.states[stageID]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrStageNotFound
	}

	state.mu.Lock()
	var removed *domain.Participant
	remaining := state.roster[:0]
	for _, p := range state.roster {
		if p.ID == participantID {
			removed = p
			continue
		}
		remaining = append(remaining, p)
	}
	state.roster = remaining
	rest := make([]*domain.Participant, len(state.roster))
	copy(rest, state.roster)
	state.mu.Unlock()

	if removed == nil {
		return domain.ErrParticipantNotFound
	}

	s.mu.Lock()
	delete(s.byConn, removed.ConnectionID)
	s.mu.Unlock()

	if s.broadcaster != nil {
		for _, p := range rest {
			if err := s.broadcaster.SendToConnection(p.ConnectionID, "participant-removed", removed.Info()); err != nil {
				s.logger.Warnw("failed to notify participant of removal", "connection_id", p.ConnectionID, "error", err)
			}
		}
	}

	// An empty roster does not delete the stage; lifecycle is the external
	// directory's call.
	s.logger.Infow("participant removed from stage",
		"stage_id", stageID,
		"participant_id", participantID,
	)

	return nil
}

func (s *StageService) Roster(ctx context.Context, stageID domain.StageID) ([]*domain.Participant, error) {
	s.mu.RLock()
	state, ok := s.states[stageID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrStageNotFound
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	roster := make([]*domain.Participant, len(state.roster))
	copy(roster, state.roster)
	return roster, nil
}

func (s *StageService) ParticipantByConnection(ctx context.Context, conn domain.ConnectionID) (*domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byConn[conn]
	return p, ok
}

func (s *StageService) newParticipant(identity ports.Identity, conn domain.ConnectionID, stageID domain.StageID, role domain.ParticipantRole) *domain.Participant {
	return &domain.Participant{
		ID:           domain.ParticipantID(uuid.NewString()),
		UID:          identity.UID,
		Name:         identity.Name,
		ConnectionID: conn,
		StageID:      stageID,
		Role:         role,
		JoinedAt:     time.Now(),
	}
}
