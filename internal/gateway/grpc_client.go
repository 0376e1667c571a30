package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/sparsh/internal/domain"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full gRPC method names served by the wellness backend. Payloads are
// google.protobuf.Struct on both sides.
const (
	MethodSend    = "/sparsh.v1.Responder/Send"
	MethodAnalyze = "/sparsh.v1.Guardian/Analyze"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcClient is a Responder and Analyzer backed by one gRPC connection.
type GrpcClient struct {
	conn    *grpc.ClientConn
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended after the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the wellness backend and waits until it is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to wellness backend at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("wellness backend at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to wellness backend", "address", cfg.Address)

	return &GrpcClient{
		conn:    conn,
		addr:    cfg.Address,
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Send forwards a turn to the responder. Transport failures are returned as
// errors; the caller decides how to present them.
func (c *GrpcClient) Send(ctx context.Context, req SendRequest) (Reply, error) {
	in, err := structpb.NewStruct(map[string]any{
		"history":        encodeHistory(req.History),
		"text":           req.Text,
		"with_context":   req.WithContext,
		"force_fallback": req.ForceFallback,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("encode send request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, MethodSend, in, out); err != nil {
		return Reply{}, fmt.Errorf("responder send failed: %w", err)
	}
	return decodeReply(out), nil
}

// Analyze asks the guardian agent to review a conversation.
func (c *GrpcClient) Analyze(ctx context.Context, req AnalyzeRequest) (*domain.Message, error) {
	in, err := structpb.NewStruct(map[string]any{
		"user_id":      req.UserID,
		"user_key":     req.UserKey,
		"conversation": encodeHistory(req.Conversation),
	})
	if err != nil {
		return nil, fmt.Errorf("encode analyze request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, MethodAnalyze, in, out); err != nil {
		return nil, fmt.Errorf("guardian analyze failed: %w", err)
	}

	msg := decodeMessage(out.GetFields()["message"].GetStructValue())
	if msg != nil {
		c.logger.Debug("guardian returned intervention", "user_id", req.UserID, "message_id", msg.ID)
	}
	return msg, nil
}

// wireRole maps conversation roles to the two roles the model accepts.
func wireRole(r domain.Role) string {
	if r == domain.RoleUser {
		return "user"
	}
	return "model"
}

func encodeHistory(msgs []domain.Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"role": wireRole(m.Role),
			"text": m.Text,
		})
	}
	return out
}

func decodeReply(s *structpb.Struct) Reply {
	f := s.GetFields()
	return Reply{
		Text:                 f["text"].GetStringValue(),
		DetectedMood:         domain.Mood(f["detected_mood"].GetStringValue()),
		IsCrisis:             f["is_crisis"].GetBoolValue(),
		NeedsFallbackConsent: f["needs_fallback_consent"].GetBoolValue(),
		Signal:               Signal(f["signal"].GetStringValue()),
	}
}

func decodeMessage(s *structpb.Struct) *domain.Message {
	f := s.GetFields()
	text := f["text"].GetStringValue()
	if text == "" {
		return nil
	}

	msg := &domain.Message{
		ID:        f["id"].GetStringValue(),
		Role:      domain.RoleAgent,
		Text:      text,
		CreatedAt: time.Now(),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if meta := f["metadata"].GetStructValue(); meta != nil {
		mf := meta.GetFields()
		kind := domain.InterventionKind(mf["type"].GetStringValue())
		if kind != "" {
			msg.Metadata = &domain.Metadata{
				Kind:     kind,
				SlotID:   mf["slot_id"].GetStringValue(),
				SlotTime: mf["slot_time"].GetStringValue(),
				TaskName: mf["task_name"].GetStringValue(),
			}
		}
	}
	return msg
}

// Ensure GrpcClient implements both gateway roles.
var (
	_ Responder = (*GrpcClient)(nil)
	_ Analyzer  = (*GrpcClient)(nil)
)
