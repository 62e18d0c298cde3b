package domain

import "time"

type ParticipantRole string

const (
	RoleDirector ParticipantRole = "director"
	RoleActor    ParticipantRole = "actor"
)

// Participant is one connected identity attached to a stage. It holds only the
// ids of the media resources it owns; the resource records themselves live in
// tables owned by the media service.
type Participant struct {
	ID           ParticipantID
	UID          string
	Name         string
	ConnectionID ConnectionID
	StageID      StageID
	Role         ParticipantRole
	JoinedAt     time.Time
}

// ParticipantInfo is the wire-facing snapshot broadcast on roster changes.
type ParticipantInfo struct {
	ParticipantID ParticipantID `json:"participant_id"`
	ConnectionID  ConnectionID  `json:"connection_id"`
	Name          string        `json:"name"`
	Role          ParticipantRole `json:"role"`
}

func (p *Participant) Info() ParticipantInfo {
	return ParticipantInfo{
		ParticipantID: p.ID,
		ConnectionID:  p.ConnectionID,
		Name:          p.Name,
		Role:          p.Role,
	}
}
