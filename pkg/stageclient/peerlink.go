package stageclient

import (
	"encoding/json"
	"fmt"
	"sync"

	"stagecast/internal/core/domain"
	"stagecast/internal/infrastructure/signal"
	"stagecast/pkg/channel"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PeerLink is one direct connection to another participant on a mesh stage.
type PeerLink struct {
	RemoteParticipantID domain.ParticipantID
	RemoteConnectionID  domain.ConnectionID

	pc    *webrtc.PeerConnection
	state domain.PeerLinkState
}

// PeerLinkManager maintains the full mesh of direct peer connections. The
// offerer is always the pre-existing member: a joiner never offers, it only
// answers, which rules out glare.
type PeerLinkManager struct {
	ch     *channel.Channel
	config webrtc.Configuration

	mu          sync.Mutex
	links       map[domain.ConnectionID]*PeerLink
	localTracks []webrtc.TrackLocal
	closed      bool

	onRemoteTrack func(participantID domain.ParticipantID, track *webrtc.TrackRemote)

	logger *zap.SugaredLogger
}

func NewPeerLinkManager(ch *channel.Channel, config webrtc.Configuration, logger *zap.SugaredLogger) *PeerLinkManager {
	return &PeerLinkManager{
		ch:     ch,
		config: config,
		links:  make(map[domain.ConnectionID]*PeerLink),
		logger: logger,
	}
}

// OnRemoteTrack registers the callback for incoming peer media.
func (m *PeerLinkManager) OnRemoteTrack(fn func(participantID domain.ParticipantID, track *webrtc.TrackRemote)) {
	m.onRemoteTrack = fn
}

// AddLocalTrack attaches a track to every peer link. Established links are
// renegotiated with a fresh offer; links created later pick the track up at
// allocation time.
func (m *PeerLinkManager) AddLocalTrack(track webrtc.TrackLocal) error {
	m.mu.Lock()
	m.localTracks = append(m.localTracks, track)
	links := make([]*PeerLink, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.mu.Unlock()

	for _, link := range links {
		if _, err := link.pc.AddTrack(track); err != nil {
			return fmt.Errorf("failed to add track to link %s: %w", link.RemoteConnectionID, err)
		}
		if err := m.renegotiate(link); err != nil {
			return err
		}
	}
	return nil
}

// RemoveLocalTrack detaches a track from every peer link and renegotiates.
func (m *PeerLinkManager) RemoveLocalTrack(track webrtc.TrackLocal) error {
	m.mu.Lock()
	for i, t := range m.localTracks {
		if t == track {
			m.localTracks = append(m.localTracks[:i], m.localTracks[i+1:]...)
			break
		}
	}
	links := make([]*PeerLink, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.mu.Unlock()

	for _, link := range links {
		removed := false
		for _, sender := range link.pc.GetSenders() {
			if sender.Track() == track {
				if err := link.pc.RemoveTrack(sender); err != nil {
					return fmt.Errorf("failed to remove track from link %s: %w", link.RemoteConnectionID, err)
				}
				removed = true
			}
		}
		if !removed {
			continue
		}
		if err := m.renegotiate(link); err != nil {
			return err
		}
	}
	return nil
}

// renegotiate pushes a fresh offer over an already-established link. Glare
// avoidance only governs the initial handshake; mid-session the side changing
// its media offers.
func (m *PeerLinkManager) renegotiate(link *PeerLink) error {
	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create renegotiation offer: %w", err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set renegotiation offer: %w", err)
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return m.ch.Emit(signal.EventMakeOffer, signal.RelayRequest{
		TargetConnectionID: link.RemoteConnectionID,
		Offer:              raw,
	})
}

// Start subscribes to the relay events. peer-added instructs this side, as
// the pre-existing member, to send the first offer toward the newcomer.
func (m *PeerLinkManager) Start() {
	m.ch.On(signal.EventPeerAdded, func(payload json.RawMessage) {
		var info domain.ParticipantInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			m.logger.Warnw("bad peer-added payload", "error", err)
			return
		}
		if err := m.initiateOffer(info.ParticipantID, info.ConnectionID); err != nil {
			m.logger.Warnw("failed to offer to new peer",
				"connection_id", info.ConnectionID,
				"error", err,
			)
		}
	})

	m.ch.On(signal.EventOfferMade, func(payload json.RawMessage) {
		var delivery signal.RelayDelivery
		if err := json.Unmarshal(payload, &delivery); err != nil {
			return
		}
		if err := m.handleOffer(delivery); err != nil {
			m.logger.Warnw("failed to answer offer",
				"sender_connection_id", delivery.SenderConnectionID,
				"error", err,
			)
		}
	})

	m.ch.On(signal.EventAnswerMade, func(payload json.RawMessage) {
		var delivery signal.RelayDelivery
		if err := json.Unmarshal(payload, &delivery); err != nil {
			return
		}
		if err := m.handleAnswer(delivery); err != nil {
			m.logger.Warnw("failed to apply answer",
				"sender_connection_id", delivery.SenderConnectionID,
				"error", err,
			)
		}
	})

	m.ch.On(signal.EventCandidateSent, func(payload json.RawMessage) {
		var delivery signal.RelayDelivery
		if err := json.Unmarshal(payload, &delivery); err != nil {
			return
		}
		if err := m.handleCandidate(delivery); err != nil {
			m.logger.Debugw("failed to apply candidate",
				"sender_connection_id", delivery.SenderConnectionID,
				"error", err,
			)
		}
	})

	m.ch.On(signal.EventParticipantRemoved, func(payload json.RawMessage) {
		var info domain.ParticipantInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			return
		}
		m.closeLink(info.ConnectionID)
	})
}

// initiateOffer runs the offerer side toward a newly joined peer.
func (m *PeerLinkManager) initiateOffer(participantID domain.ParticipantID, connID domain.ConnectionID) error {
	link, err := m.newLink(participantID, connID)
	if err != nil {
		return err
	}

	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		m.closeLink(connID)
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		m.closeLink(connID)
		return fmt.Errorf("failed to set local offer: %w", err)
	}

	raw, err := json.Marshal(offer)
	if err != nil {
		m.closeLink(connID)
		return err
	}
	return m.ch.Emit(signal.EventMakeOffer, signal.RelayRequest{
		TargetConnectionID: connID,
		Offer:              raw,
	})
}

// handleOffer runs the answerer side: the joiner never offers first.
func (m *PeerLinkManager) handleOffer(delivery signal.RelayDelivery) error {
	link, err := m.newLink(delivery.SenderParticipantID, delivery.SenderConnectionID)
	if err != nil {
		return err
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(delivery.Offer, &offer); err != nil {
		m.closeLink(delivery.SenderConnectionID)
		return fmt.Errorf("bad offer payload: %w", err)
	}
	if err := link.pc.SetRemoteDescription(offer); err != nil {
		m.closeLink(delivery.SenderConnectionID)
		return fmt.Errorf("failed to set remote offer: %w", err)
	}

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		m.closeLink(delivery.SenderConnectionID)
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		m.closeLink(delivery.SenderConnectionID)
		return fmt.Errorf("failed to set local answer: %w", err)
	}

	raw, err := json.Marshal(answer)
	if err != nil {
		m.closeLink(delivery.SenderConnectionID)
		return err
	}
	return m.ch.Emit(signal.EventMakeAnswer, signal.RelayRequest{
		TargetConnectionID: delivery.SenderConnectionID,
		Answer:             raw,
	})
}

func (m *PeerLinkManager) handleAnswer(delivery signal.RelayDelivery) error {
	m.mu.Lock()
	link, ok := m.links[delivery.SenderConnectionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no link for connection %s", delivery.SenderConnectionID)
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(delivery.Answer, &answer); err != nil {
		return fmt.Errorf("bad answer payload: %w", err)
	}
	return link.pc.SetRemoteDescription(answer)
}

func (m *PeerLinkManager) handleCandidate(delivery signal.RelayDelivery) error {
	m.mu.Lock()
	link, ok := m.links[delivery.SenderConnectionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no link for connection %s", delivery.SenderConnectionID)
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(delivery.Candidate, &candidate); err != nil {
		return fmt.Errorf("bad candidate payload: %w", err)
	}
	return link.pc.AddICECandidate(candidate)
}

// newLink allocates the peer connection, attaches local tracks and wires
// candidate trickling. A nil local candidate means gathering finished and
// the link is established.
func (m *PeerLinkManager) newLink(participantID domain.ParticipantID, connID domain.ConnectionID) (*PeerLink, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrChannelClosed
	}
	if existing, ok := m.links[connID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	tracks := make([]webrtc.TrackLocal, len(m.localTracks))
	copy(tracks, m.localTracks)
	m.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	link := &PeerLink{
		RemoteParticipantID: participantID,
		RemoteConnectionID:  connID,
		pc:                  pc,
		state:               domain.PeerLinkNegotiating,
	}

	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add local track: %w", err)
		}
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			m.mu.Lock()
			link.state = domain.PeerLinkEstablished
			m.mu.Unlock()
			m.logger.Infow("peer link established", "connection_id", connID)
			return
		}
		raw, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		if err := m.ch.Emit(signal.EventSendCandidate, signal.RelayRequest{
			TargetConnectionID: connID,
			Candidate:          raw,
		}); err != nil {
			m.logger.Debugw("failed to trickle candidate", "connection_id", connID, "error", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if m.onRemoteTrack != nil {
			m.onRemoteTrack(participantID, track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.closeLink(connID)
		}
	})

	m.mu.Lock()
	m.links[connID] = link
	m.mu.Unlock()
	return link, nil
}

func (m *PeerLinkManager) closeLink(connID domain.ConnectionID) {
	m.mu.Lock()
	link, ok := m.links[connID]
	if ok {
		delete(m.links, connID)
	}
	m.mu.Unlock()

	if ok {
		link.pc.Close()
		m.logger.Infow("peer link closed", "connection_id", connID)
	}
}

// LinkState reports the state of the link toward a connection.
func (m *PeerLinkManager) LinkState(connID domain.ConnectionID) (domain.PeerLinkState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[connID]
	if !ok {
		return "", false
	}
	return link.state, true
}

// Close tears down every link.
func (m *PeerLinkManager) Close() {
	m.mu.Lock()
	m.closed = true
	links := m.links
	m.links = make(map[domain.ConnectionID]*PeerLink)
	m.mu.Unlock()

	for _, link := range links {
		link.pc.Close()
	}
}
