package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/shared"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names of the reasoning engine. Messages are
// google.protobuf.Struct on both sides.
const (
	ServiceName       = "fieldchat.agent.v1.AgentService"
	processMessageRPC = "/" + ServiceName + "/ProcessMessage"
	dependency        = "reasoning_engine"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcClient talks to a remote reasoning engine.
type GrpcClient struct {
	conn           *grpc.ClientConn
	health         healthpb.HealthClient
	addr           string
	requestTimeout time.Duration
	retry          shared.RetryPolicy
	logger         *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	Retry            shared.RetryPolicy
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   20 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
		Retry:            shared.DefaultRetryPolicy(),
	}
}

// NewGrpcClient connects to the reasoning engine and waits until the
// connection is ready. Extra dial options are appended to the defaults.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, apperr.NewValidationFailure("reasoning engine address is empty")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create reasoning engine client for %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, apperr.NewIntegrationFailure(dependency, fmt.Errorf("%s not ready: %w", cfg.Address, err))
	}

	logger.Info("connected to reasoning engine", "address", cfg.Address)

	return &GrpcClient{
		conn:           conn,
		health:         healthpb.NewHealthClient(conn),
		addr:           cfg.Address,
		requestTimeout: cfg.RequestTimeout,
		retry:          cfg.Retry,
		logger:         logger,
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

// Health checks the standard gRPC health service of the engine.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return mapStatus(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return apperr.NewIntegrationFailure(dependency, fmt.Errorf("health status %s", resp.GetStatus()))
	}
	return nil
}

// ProcessMessage sends req to the engine. Unavailable and deadline failures
// are retried with backoff.
func (c *GrpcClient) ProcessMessage(ctx context.Context, req Request) (*Result, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return nil, apperr.NewValidationFailure(fmt.Sprintf("encode reasoning request: %v", err))
	}

	var out *structpb.Struct
	err = shared.Retry(ctx, c.retry, "agent.ProcessMessage", apperr.IsRetryable, func(ctx context.Context) error {
		callCtx := ctx
		if c.requestTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
			defer cancel()
		}
		resp := new(structpb.Struct)
		if err := c.conn.Invoke(callCtx, processMessageRPC, in, resp); err != nil {
			return mapStatus(err)
		}
		out = resp
		return nil
	})
	if err != nil {
		c.logger.Warn("reasoning engine call failed",
			"user_id", req.UserID,
			"session_id", req.SessionID,
			"error", err)
		return nil, err
	}
	return decodeResult(out), nil
}

func mapStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return apperr.NewIntegrationFailure(dependency, err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return apperr.NewTimeout(dependency, err)
	case codes.Canceled:
		return context.Canceled
	case codes.InvalidArgument:
		return &apperr.Error{Kind: apperr.KindValidationFailure, Message: st.Message(), Err: err}
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return apperr.NewIntegrationFailure(dependency, err)
	default:
		return &apperr.Error{Kind: apperr.KindInternal, Message: dependency + " rejected the call", Err: err}
	}
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, h := range req.History {
		history = append(history, map[string]any{"role": h.Role, "content": h.Content})
	}
	m := map[string]any{
		"user_id":    req.UserID,
		"session_id": req.SessionID,
		"message":    req.Message,
		"language":   req.Language,
		"history":    history,
	}
	if req.State != nil {
		data, err := jsonValues(req.State.CollectedData)
		if err != nil {
			return nil, fmt.Errorf("encode collected data: %w", err)
		}
		m["state"] = map[string]any{
			"flow":           req.State.Flow,
			"current_state":  req.State.CurrentState,
			"task_id":        req.State.TaskID,
			"collected_data": data,
		}
	}
	return structpb.NewStruct(m)
}

// jsonValues reduces data to the JSON value types structpb accepts
// ([]string becomes []any, structs become maps).
func jsonValues(data map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if len(data) == 0 {
		return out, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeResult(s *structpb.Struct) *Result {
	fields := s.AsMap()
	res := &Result{}
	res.Message, _ = fields["message"].(string)
	res.Escalation, _ = fields["escalation"].(bool)

	calls, _ := fields["tool_calls"].([]any)
	for _, raw := range calls {
		call, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		tc := ToolCall{}
		tc.Name, _ = call["name"].(string)
		tc.Arguments, _ = call["arguments"].(map[string]any)
		if tc.Name != "" {
			res.ToolCalls = append(res.ToolCalls, tc)
		}
	}
	return res
}
