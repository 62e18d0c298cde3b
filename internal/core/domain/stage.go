package domain

import "time"

type StageID string
type ParticipantID string
type ConnectionID string

// CommunicationMode selects the media topology of a stage. The two modes are
// mutually exclusive for the lifetime of a stage.
type CommunicationMode string

const (
	ModeSFU  CommunicationMode = "sfu"
	ModeMesh CommunicationMode = "mesh"
)

type StageKind string

const (
	KindTheater    StageKind = "theater"
	KindMusic      StageKind = "music"
	KindConference StageKind = "conference"
)

// Stage groups participants sharing one media session. Everything except the
// roster is immutable after creation; lifecycle beyond the roster (deletion,
// persistence) belongs to the external directory.
type Stage struct {
	ID          StageID
	Name        string
	Password    string
	Mode        CommunicationMode
	Kind        StageKind
	DirectorUID string
	CreatedAt   time.Time
}

func (k StageKind) Valid() bool {
	switch k {
	case KindTheater, KindMusic, KindConference:
		return true
	}
	return false
}

func (m CommunicationMode) Valid() bool {
	return m == ModeSFU || m == ModeMesh
}
