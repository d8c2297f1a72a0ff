package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Gateway method names. Requests and replies are google.protobuf.Struct
// messages so no generated stubs are needed on either side.
const (
	GatewayService        = "mqol.llm.v1.Gateway"
	gatewayCompleteMethod = "/" + GatewayService + "/Complete"
	gatewayStreamMethod   = "/" + GatewayService + "/StreamComplete"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errGatewayResponse          = errors.New("gateway returned error")
)

// Gateway is a gRPC client for an external model gateway.
type Gateway struct {
	conn   *grpc.ClientConn
	cfg    GatewayConfig
	logger *slog.Logger
}

// GatewayConfig holds configuration for the gateway client.
type GatewayConfig struct {
	Address          string
	Model            string
	Temperature      float64
	MaxTokens        int
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// SkipReadyCheck builds the connection lazily instead of failing fast.
	SkipReadyCheck bool
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.Address == "" {
		c.Address = "localhost:50051"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 180 * time.Second
	}
	if c.KeepaliveTime <= 0 {
		c.KeepaliveTime = 2 * time.Minute
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 10 * time.Second
	}
	return c
}

// NewGateway connects to the gateway at cfg.Address. Extra dial options are
// appended after the defaults.
func NewGateway(cfg GatewayConfig, logger *slog.Logger, opts ...grpc.DialOption) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway client for %s: %w", cfg.Address, err)
	}

	if !cfg.SkipReadyCheck {
		connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		if err := waitForReady(connectCtx, conn); err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
			}
			return nil, fmt.Errorf("model gateway at %s not ready: %w", cfg.Address, err)
		}
	}

	logger.Info("Connected to model gateway", "address", cfg.Address)

	return &Gateway{conn: conn, cfg: cfg, logger: logger}, nil
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
func (g *Gateway) Close() {
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

func (g *Gateway) request(prompt string) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{
		"prompt":      prompt,
		"model":       g.cfg.Model,
		"temperature": g.cfg.Temperature,
		"max_tokens":  g.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	return req, nil
}

// CompleteText implements Client.
func (g *Gateway) CompleteText(ctx context.Context, prompt string) (string, error) {
	req, err := g.request(prompt)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, gatewayCompleteMethod, req, resp); err != nil {
		return "", classify(fmt.Errorf("gateway complete: %w", err))
	}
	if err := replyError(resp); err != nil {
		return "", err
	}
	text := resp.GetFields()["text"].GetStringValue()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// StreamText implements Client. The gateway sends {"token": "..."} messages
// and closes the stream when done.
func (g *Gateway) StreamText(ctx context.Context, prompt string, onToken func(string) error) (string, error) {
	req, err := g.request(prompt)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	desc := &grpc.StreamDesc{StreamName: "StreamComplete", ServerStreams: true}
	stream, err := g.conn.NewStream(ctx, desc, gatewayStreamMethod)
	if err != nil {
		return "", classify(fmt.Errorf("gateway stream open: %w", err))
	}
	if err := stream.SendMsg(req); err != nil {
		return "", classify(fmt.Errorf("gateway stream send: %w", err))
	}
	if err := stream.CloseSend(); err != nil {
		return "", classify(fmt.Errorf("gateway stream close send: %w", err))
	}

	var b strings.Builder
	for {
		msg := &structpb.Struct{}
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return b.String(), classify(fmt.Errorf("gateway stream error: %w", err))
		}
		if err := replyError(msg); err != nil {
			return b.String(), err
		}
		tok := msg.GetFields()["token"].GetStringValue()
		if tok == "" {
			continue
		}
		b.WriteString(tok)
		if onToken != nil {
			if err := onToken(tok); err != nil {
				return b.String(), err
			}
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyCompletion
	}
	return b.String(), nil
}

func replyError(msg *structpb.Struct) error {
	errMsg := msg.GetFields()["error"].GetStringValue()
	if errMsg == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", errGatewayResponse, errMsg)
}
