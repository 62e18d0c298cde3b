package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
	"stagecast/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingBroadcaster captures every delivery so tests can assert on who
// received what, in order.
type recordingBroadcaster struct {
	mu         sync.Mutex
	deliveries []delivery
}

type delivery struct {
	conn    domain.ConnectionID
	event   string
	payload interface{}
}

func (b *recordingBroadcaster) BroadcastToStage(stageID domain.StageID, event string, payload interface{}, exclude ...domain.ConnectionID) {
}

func (b *recordingBroadcaster) SendToConnection(conn domain.ConnectionID, event string, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliveries = append(b.deliveries, delivery{conn: conn, event: event, payload: payload})
	return nil
}

func (b *recordingBroadcaster) byEvent(event string) []delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []delivery
	for _, d := range b.deliveries {
		if d.event == event {
			out = append(out, d)
		}
	}
	return out
}

func newStageServiceForTest() (*StageService, *recordingBroadcaster) {
	svc := NewStageService(memory.NewMemoryStageRepository(), nil, zap.NewNop().Sugar())
	b := &recordingBroadcaster{}
	svc.SetBroadcaster(b)
	return svc, b
}

func TestCreateThenJoin_RosterInJoinOrder(t *testing.T) {
	svc, b := newStageServiceForTest()
	ctx := context.Background()

	stage, director, err := svc.CreateStage(ctx, ports.Identity{UID: "a", Name: "Alice"}, "conn-a", "rehearsal", domain.KindMusic, domain.ModeSFU, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleDirector, director.Role)

	snapshot, actor, err := svc.JoinStage(ctx, ports.Identity{UID: "b", Name: "Bob"}, "conn-b", stage.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleActor, actor.Role)

	require.Len(t, snapshot.Roster, 2)
	assert.Equal(t, director.ID, snapshot.Roster[0].ParticipantID)
	assert.Equal(t, actor.ID, snapshot.Roster[1].ParticipantID)

	// Only the existing member hears about the join, never the joiner.
	joins := b.byEvent("participant-joined")
	require.Len(t, joins, 1)
	assert.Equal(t, domain.ConnectionID("conn-a"), joins[0].conn)
}

func TestJoinStage_UnknownStage(t *testing.T) {
	svc, _ := newStageServiceForTest()

	_, _, err := svc.JoinStage(context.Background(), ports.Identity{UID: "b"}, "conn-b", "no-such-stage", "")
	assert.ErrorIs(t, err, domain.ErrStageNotFound)
}

func TestJoinStage_WrongPassword_DoesNotMutateRoster(t *testing.T) {
	svc, b := newStageServiceForTest()
	ctx := context.Background()

	stage, _, err := svc.CreateStage(ctx, ports.Identity{UID: "a"}, "conn-a", "locked", domain.KindTheater, domain.ModeSFU, "secret")
	require.NoError(t, err)

	_, _, err = svc.JoinStage(ctx, ports.Identity{UID: "b"}, "conn-b", stage.ID, "wrong")
	assert.ErrorIs(t, err, domain.ErrWrongPassword)

	roster, err := svc.Roster(ctx, stage.ID)
	require.NoError(t, err)
	assert.Len(t, roster, 1)
	assert.Empty(t, b.byEvent("participant-joined"))
}

func TestJoinStage_EmptyPasswordMatchesOnlyEmpty(t *testing.T) {
	svc, _ := newStageServiceForTest()
	ctx := context.Background()

	stage, _, err := svc.CreateStage(ctx, ports.Identity{UID: "a"}, "conn-a", "open", domain.KindConference, domain.ModeSFU, "")
	require.NoError(t, err)

	_, _, err = svc.JoinStage(ctx, ports.Identity{UID: "b"}, "conn-b", stage.ID, "anything")
	assert.ErrorIs(t, err, domain.ErrWrongPassword)

	_, _, err = svc.JoinStage(ctx, ports.Identity{UID: "b"}, "conn-b", stage.ID, "")
	assert.NoError(t, err)
}

func TestRemoveParticipant_NotifiesRemainingAndRetainsStage(t *testing.T) {
	svc, b := newStageServiceForTest()
	ctx := context.Background()

	stage, director, err := svc.CreateStage(ctx, ports.Identity{UID: "a"}, "conn-a", "s", domain.KindMusic, domain.ModeSFU, "")
	require.NoError(t, err)
	_, actor, err := svc.JoinStage(ctx, ports.Identity{UID: "b"}, "conn-b", stage.ID, "")
	require.NoError(t, err)

	require.NoError(t, svc.RemoveParticipant(ctx, stage.ID, actor.ID))

	removals := b.byEvent("participant-removed")
	require.Len(t, removals, 1)
	assert.Equal(t, domain.ConnectionID("conn-a"), removals[0].conn)

	// Lookup by the removed connection is gone.
	_, ok := svc.ParticipantByConnection(ctx, "conn-b")
	assert.False(t, ok)

	// Emptying the roster keeps the stage joinable.
	require.NoError(t, svc.RemoveParticipant(ctx, stage.ID, director.ID))
	_, _, err = svc.JoinStage(ctx, ports.Identity{UID: "c"}, "conn-c", stage.ID, "")
	assert.NoError(t, err)
}

func TestRemoveParticipant_Unknown(t *testing.T) {
	svc, _ := newStageServiceForTest()
	ctx := context.Background()

	stage, _, err := svc.CreateStage(ctx, ports.Identity{UID: "a"}, "conn-a", "s", domain.KindMusic, domain.ModeSFU, "")
	require.NoError(t, err)

	err = svc.RemoveParticipant(ctx, stage.ID, "nobody")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestMeshJoin_PeerAddedOnlyToExistingMembers(t *testing.T) {
	svc, b := newStageServiceForTest()
	ctx := context.Background()

	stage, _, err := svc.CreateStage(ctx, ports.Identity{UID: "a"}, "conn-a", "mesh", domain.KindMusic, domain.ModeMesh, "")
	require.NoError(t, err)

	_, joiner, err := svc.JoinStage(ctx, ports.Identity{UID: "b"}, "conn-b", stage.ID, "")
	require.NoError(t, err)

	// The pre-existing member is told to offer; the joiner never is, so it
	// can only ever answer.
	peerAdded := b.byEvent("peer-added")
	require.Len(t, peerAdded, 1)
	assert.Equal(t, domain.ConnectionID("conn-a"), peerAdded[0].conn)

	info, ok := peerAdded[0].payload.(domain.ParticipantInfo)
	require.True(t, ok)
	assert.Equal(t, joiner.ID, info.ParticipantID)
}

func TestSFUJoin_NoPeerAdded(t *testing.T) {
	svc, b := newStageServiceForTest()
	ctx := context.Background()

	stage, _, err := svc.CreateStage(ctx, ports.Identity{UID: "a"}, "conn-a", "sfu", domain.KindMusic, domain.ModeSFU, "")
	require.NoError(t, err)

	_, _, err = svc.JoinStage(ctx, ports.Identity{UID: "b"}, "conn-b", stage.ID, "")
	require.NoError(t, err)

	assert.Empty(t, b.byEvent("peer-added"))
}

func TestConcurrentJoins_SameStage(t *testing.T) {
	svc, _ := newStageServiceForTest()
	ctx := context.Background()

	stage, _, err := svc.CreateStage(ctx, ports.Identity{UID: "a"}, "conn-a", "busy", domain.KindMusic, domain.ModeSFU, "")
	require.NoError(t, err)

	const joiners = 16
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := domain.ConnectionID(fmt.Sprintf("conn-%d", i))
			_, _, err := svc.JoinStage(ctx, ports.Identity{UID: fmt.Sprintf("uid-%d", i)}, conn, stage.ID, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	roster, err := svc.Roster(ctx, stage.ID)
	require.NoError(t, err)
	assert.Len(t, roster, joiners+1)
}
