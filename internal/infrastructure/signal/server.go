package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
	"stagecast/internal/infrastructure/monitoring"
	"stagecast/pkg/logger"
	"stagecast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Options tune per-connection behaviour of the server.
type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageBytes   int64
}

func DefaultOptions() Options {
	return Options{
		PingInterval:      25 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 100,
		Burst:             200,
		MaxMessageBytes:   64 * 1024,
	}
}

// connection is the per-socket state. All writes go through the outbound
// channel so each recipient observes events in the order they were queued.
type connection struct {
	id       domain.ConnectionID
	ws       *websocket.Conn
	outbound chan Message
	limiter  *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// enqueue queues a message for the write pump; messages queued after the
// connection closed are dropped.
func (c *connection) enqueue(msg Message) error {
	select {
	case <-c.closed:
		return domain.ErrChannelClosed
	case c.outbound <- msg:
		return nil
	}
}

// Server terminates signaling connections and dispatches their requests to
// the stage and media services. It is also the Broadcaster those services
// fan events out through.
type Server struct {
	stageService ports.StageService
	mediaService ports.MediaService
	authService  ports.AuthService

	connections map[domain.ConnectionID]*connection
	mu          sync.RWMutex

	opts    Options
	metrics *monitoring.PrometheusCollector
	logger  *zap.SugaredLogger
}

var _ ports.Broadcaster = (*Server)(nil)

func NewServer(
	stageService ports.StageService,
	mediaService ports.MediaService,
	authService ports.AuthService,
	opts Options,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *Server {
	return &Server{
		stageService: stageService,
		mediaService: mediaService,
		authService:  authService,
		connections:  make(map[domain.ConnectionID]*connection),
		opts:         opts,
		metrics:      metrics,
		logger:       logger,
	}
}

// HandleWebSocket is the gin handler for the signaling endpoint.
func (s *Server) HandleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	conn := &connection{
		id:       domain.ConnectionID(uuid.New().String()),
		ws:       ws,
		outbound: make(chan Message, 64),
		limiter:  rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst),
		closed:   make(chan struct{}),
	}

	s.mu.Lock()
	s.connections[conn.id] = conn
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordConnectionOpened()
	}
	s.logger.Infow("connection opened", "connection_id", conn.id, "remote", ws.RemoteAddr().String())

	go s.writePump(conn)
	s.readPump(c.Request.Context(), conn)

	s.teardown(conn)
}

func (s *Server) writePump(conn *connection) {
	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-conn.closed:
			return
		case msg := <-conn.outbound:
			conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.ws.WriteJSON(msg); err != nil {
				s.logger.Infow("write failed", "connection_id", conn.id, "error", err)
				conn.close()
				return
			}
		case <-pingTicker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, conn *connection) {
	conn.ws.SetReadLimit(s.opts.MaxMessageBytes)
	conn.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	for {
		var msg Message
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read failed", "connection_id", conn.id, "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		if !conn.limiter.Allow() {
			s.respondError(conn, msg.ID, msg.Event, &ErrorBody{Code: CodeRateLimited, Message: "rate limit exceeded"})
			continue
		}

		s.dispatch(ctx, conn, msg)
	}
}

func (s *Server) dispatch(ctx context.Context, conn *connection, msg Message) {
	if msg.Event == "" {
		s.respondError(conn, msg.ID, "", &ErrorBody{Code: CodeInvalid, Message: "event is required"})
		return
	}

	ctx, span := tracing.TraceSignalMessage(ctx, msg.Event, string(conn.id))
	defer span.End()

	start := time.Now()
	payload, err := s.handle(ctx, conn, msg)
	if s.metrics != nil {
		s.metrics.RecordSignalMessage(msg.Event, time.Since(start), err)
	}
	switch msg.Event {
	case EventCreateSendTransport, EventCreateReceiveTransport, EventSendTrack,
		EventCloseProducer, EventConsume, EventLeaveStage:
		s.refreshMediaGauges()
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		logger.WithContext(ctx, s.logger.Desugar()).Sugar().Infow("request failed",
			"connection_id", conn.id,
			"event", msg.Event,
			"error", err,
		)
		s.respondError(conn, msg.ID, msg.Event, errorBody(err))
		return
	}

	// Relay events are fire-and-forget: no response envelope unless the
	// caller asked for one by setting an id.
	if msg.ID == "" {
		return
	}
	raw, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		s.respondError(conn, msg.ID, msg.Event, &ErrorBody{Code: CodeInternalError, Message: marshalErr.Error()})
		return
	}
	conn.enqueue(Message{ID: msg.ID, Event: msg.Event, Payload: raw})
}

func (s *Server) handle(ctx context.Context, conn *connection, msg Message) (interface{}, error) {
	switch msg.Event {
	case EventCreateStage:
		return s.handleCreateStage(ctx, conn, msg.Payload)
	case EventJoinStage:
		return s.handleJoinStage(ctx, conn, msg.Payload)
	case EventLeaveStage:
		return s.handleLeaveStage(ctx, conn)
	case EventGetRTPCapabilities:
		return s.handleGetRTPCapabilities(ctx, conn)
	case EventCreateSendTransport:
		return s.handleCreateTransport(ctx, conn, domain.DirectionSend)
	case EventCreateReceiveTransport:
		return s.handleCreateTransport(ctx, conn, domain.DirectionReceive)
	case EventConnectTransport:
		return s.handleConnectTransport(ctx, conn, msg.Payload)
	case EventSendTrack:
		return s.handleSendTrack(ctx, conn, msg.Payload)
	case EventCloseProducer:
		return s.handleCloseProducer(ctx, conn, msg.Payload)
	case EventConsume:
		return s.handleConsume(ctx, conn, msg.Payload)
	case EventFinishConsume:
		return s.handleFinishConsume(ctx, conn, msg.Payload)
	case EventMakeOffer:
		return nil, s.relay(ctx, conn, msg.Payload, EventOfferMade)
	case EventMakeAnswer:
		return nil, s.relay(ctx, conn, msg.Payload, EventAnswerMade)
	case EventSendCandidate:
		return nil, s.relay(ctx, conn, msg.Payload, EventCandidateSent)
	default:
		return nil, fmt.Errorf("%w: unknown event %q", errInvalidPayload, msg.Event)
	}
}

func (s *Server) handleCreateStage(ctx context.Context, conn *connection, payload json.RawMessage) (interface{}, error) {
	var req CreateStageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("%w: stageName is required", errInvalidPayload)
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown stage kind %q", errInvalidPayload, req.Kind)
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown communication mode %q", errInvalidPayload, req.Mode)
	}

	identity, err := s.authService.VerifyToken(req.Token)
	if err != nil {
		return nil, err
	}

	stage, participant, err := s.stageService.CreateStage(ctx, identity, conn.id, req.Name, req.Kind, req.Mode, req.Password)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordStageCreated(stage.ID)
		s.metrics.SetStageParticipants(stage.ID, 1)
	}

	return CreateStageResponse{
		StageID:       stage.ID,
		ParticipantID: participant.ID,
		ConnectionID:  conn.id,
	}, nil
}

func (s *Server) handleJoinStage(ctx context.Context, conn *connection, payload json.RawMessage) (interface{}, error) {
	var req JoinStageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if req.StageID == "" {
		return nil, fmt.Errorf("%w: stageId is required", errInvalidPayload)
	}

	identity, err := s.authService.VerifyToken(req.Token)
	if err != nil {
		return nil, err
	}

	snapshot, participant, err := s.stageService.JoinStage(ctx, identity, conn.id, req.StageID, req.Password)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SetStageParticipants(req.StageID, len(snapshot.Roster))
	}

	return JoinStageResponse{
		Stage:         snapshot.Stage,
		Roster:        snapshot.Roster,
		ParticipantID: participant.ID,
		ConnectionID:  conn.id,
	}, nil
}

func (s *Server) handleLeaveStage(ctx context.Context, conn *connection) (interface{}, error) {
	p, ok := s.stageService.ParticipantByConnection(ctx, conn.id)
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}

	s.mediaService.CleanupParticipant(ctx, p.ID)
	if err := s.stageService.RemoveParticipant(ctx, p.StageID, p.ID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) handleGetRTPCapabilities(ctx context.Context, conn *connection) (interface{}, error) {
	p, ok := s.stageService.ParticipantByConnection(ctx, conn.id)
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	return s.mediaService.RouterCapabilities(ctx, p.StageID)
}

func (s *Server) handleCreateTransport(ctx context.Context, conn *connection, direction domain.TransportDirection) (interface{}, error) {
	p, ok := s.stageService.ParticipantByConnection(ctx, conn.id)
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	return s.mediaService.CreateTransport(ctx, p, direction)
}

func (s *Server) handleConnectTransport(ctx context.Context, conn *connection, payload json.RawMessage) (interface{}, error) {
	var req ConnectTransportRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	p, ok := s.stageService.ParticipantByConnection(ctx, conn.id)
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	if err := s.mediaService.ConnectTransport(ctx, p, req.TransportID, req.DTLSParameters); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) handleSendTrack(ctx context.Context, conn *connection, payload json.RawMessage) (interface{}, error) {
	var req SendTrackRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown media kind %q", errInvalidPayload, req.Kind)
	}
	p, ok := s.stageService.ParticipantByConnection(ctx, conn.id)
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}

	ctx, span := tracing.TraceMediaOperation(ctx, EventSendTrack, string(p.ID), string(p.StageID))
	defer span.End()

	producerID, err := s.mediaService.Produce(ctx, p, req.TransportID, req.Kind, req.RTPParameters)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordProducerAdded(req.Kind)
	}
	return SendTrackResponse{ProducerID: producerID}, nil
}

func (s *Server) handleCloseProducer(ctx context.Context, conn *connection, payload json.RawMessage) (interface{}, error) {
	var req CloseProducerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	p, ok := s.stageService.ParticipantByConnection(ctx, conn.id)
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	if err := s.mediaService.CloseProducer(ctx, p, req.ProducerID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) handleConsume(ctx context.Context, conn *connection, payload json.RawMessage) (interface{}, error) {
	var req ConsumeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	p, ok := s.stageService.ParticipantByConnection(ctx, conn.id)
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}

	ctx, span := tracing.TraceMediaOperation(ctx, EventConsume, string(p.ID), string(p.StageID))
	defer span.End()

	return s.mediaService.Consume(ctx, p, req.TransportID, req.ProducerID, domain.RTPCapabilities(req.RTPCapabilities))
}

func (s *Server) handleFinishConsume(ctx context.Context, conn *connection, payload json.RawMessage) (interface{}, error) {
	var req FinishConsumeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	p, ok := s.stageService.ParticipantByConnection(ctx, conn.id)
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	if err := s.mediaService.FinishConsume(ctx, p, req.ConsumerID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// relay forwards an opaque offer/answer/candidate blob to the target
// connection, stamping the sender's ids so the receiver can associate it
// with a peer link. The payload itself is never inspected.
func (s *Server) relay(ctx context.Context, conn *connection, payload json.RawMessage, deliveryEvent string) error {
	var req RelayRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	if req.TargetConnectionID == "" {
		return fmt.Errorf("%w: targetConnectionId is required", errInvalidPayload)
	}

	sender, ok := s.stageService.ParticipantByConnection(ctx, conn.id)
	if !ok {
		return domain.ErrParticipantNotFound
	}

	_, span := tracing.TraceRelayOperation(ctx, deliveryEvent, string(sender.StageID))
	defer span.End()

	delivery := RelayDelivery{
		SenderParticipantID: sender.ID,
		SenderConnectionID:  conn.id,
		Offer:               req.Offer,
		Answer:              req.Answer,
		Candidate:           req.Candidate,
	}
	return s.SendToConnection(req.TargetConnectionID, deliveryEvent, delivery)
}

// teardown runs once the read pump returns: engine resources first, then the
// roster, then the connection table.
func (s *Server) teardown(conn *connection) {
	conn.close()

	ctx := context.Background()
	if p, ok := s.stageService.ParticipantByConnection(ctx, conn.id); ok {
		s.mediaService.CleanupParticipant(ctx, p.ID)
		if err := s.stageService.RemoveParticipant(ctx, p.StageID, p.ID); err != nil {
			s.logger.Warnw("failed to remove participant on disconnect",
				"connection_id", conn.id,
				"participant_id", p.ID,
				"error", err,
			)
		}
		s.refreshMediaGauges()
	}

	s.mu.Lock()
	delete(s.connections, conn.id)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordConnectionClosed()
	}
	s.logger.Infow("connection closed", "connection_id", conn.id)
}

// refreshMediaGauges re-reads the media tables so the resource gauges can
// never drift from the actual table sizes.
func (s *Server) refreshMediaGauges() {
	if s.metrics == nil {
		return
	}
	transports, producers, consumers := s.mediaService.Stats()
	s.metrics.SetTransportsActive(transports)
	s.metrics.SetProducersActive(producers)
	s.metrics.SetConsumersActive(consumers)
}

func (s *Server) respondError(conn *connection, id, event string, body *ErrorBody) {
	conn.enqueue(Message{ID: id, Event: event, Error: body})
}

// BroadcastToStage sends an event to every member of a stage except the
// excluded connections.
func (s *Server) BroadcastToStage(stageID domain.StageID, event string, payload interface{}, exclude ...domain.ConnectionID) {
	roster, err := s.stageService.Roster(context.Background(), stageID)
	if err != nil {
		s.logger.Warnw("broadcast to unknown stage", "stage_id", stageID, "event", event)
		return
	}

	excluded := make(map[domain.ConnectionID]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	for _, p := range roster {
		if _, skip := excluded[p.ConnectionID]; skip {
			continue
		}
		if err := s.SendToConnection(p.ConnectionID, event, payload); err != nil {
			s.logger.Infow("broadcast delivery failed",
				"stage_id", stageID,
				"event", event,
				"connection_id", p.ConnectionID,
				"error", err,
			)
		}
	}
}

// SendToConnection queues an event for one connection.
func (s *Server) SendToConnection(connID domain.ConnectionID, event string, payload interface{}) error {
	s.mu.RLock()
	conn, exists := s.connections[connID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("connection %s not found", connID)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.enqueue(Message{Event: event, Payload: raw})
}

// ConnectionCount reports the number of open signaling connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Shutdown closes every open connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.connections))
	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.close()
	}
}
