package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// CompleteMethod is the full gRPC method name served by the text service.
// Requests and responses are google.protobuf.Struct values:
// {"prompt", "system", "context"} in, {"text"} out.
const CompleteMethod = "/leadqual.Generator/Complete"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errEmptyCompletion          = errors.New("completion returned no text")
)

// GRPCConfig holds configuration for the gRPC client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

func (c *GRPCConfig) applyDefaults() {
	if c.Address == "" {
		c.Address = "localhost:50051"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.KeepaliveTime <= 0 {
		c.KeepaliveTime = 2 * time.Minute
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 10 * time.Second
	}
}

// GRPCClient calls an external text generation service over gRPC.
type GRPCClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGRPC connects to the generation service and waits until it is ready.
func NewGRPC(ctx context.Context, cfg GRPCConfig, logger *slog.Logger) (*GRPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

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
		return nil, fmt.Errorf("failed to connect to generator at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("generator at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to generator service", "address", cfg.Address)
	return &GRPCClient{conn: conn, addr: cfg.Address, logger: logger}, nil
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

// Complete implements dialogue.Generator.
func (c *GRPCClient) Complete(ctx context.Context, prompt string, meta map[string]string) (string, error) {
	fields := make(map[string]any, len(meta))
	for k, v := range meta {
		fields[k] = v
	}
	req, err := structpb.NewStruct(map[string]any{
		"prompt":  prompt,
		"system":  systemPrompt,
		"context": fields,
	})
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, CompleteMethod, req, resp); err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}

	text := resp.GetFields()["text"].GetStringValue()
	if text == "" {
		return "", errEmptyCompletion
	}
	return text, nil
}

// Close closes the gRPC connection.
func (c *GRPCClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}
