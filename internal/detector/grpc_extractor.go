package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ashureev/focus-guardian/internal/frame"
)

// ExtractMethod is the unary RPC served by the landmark service. The request
// is a BytesValue with the encoded image; the response is a Struct with
// "face_found", "landmarks" ([[x,y],...] normalized) and optional
// "width"/"height".
const ExtractMethod = "/landmark.v1.LandmarkService/Extract"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errMalformedResponse        = errors.New("malformed landmark response")
)

// GRPCConfig holds configuration for the landmark service client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default client settings for addr.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCExtractor calls a remote landmark service.
type GRPCExtractor struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGRPCExtractor connects to the landmark service and waits until the
// connection is ready, so a bad endpoint fails at startup.
func NewGRPCExtractor(cfg GRPCConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCExtractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: no address configured", ErrExtractorUnavailable)
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

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create landmark client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("landmark service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to landmark service", "address", cfg.Address)
	return &GRPCExtractor{conn: conn, addr: cfg.Address, logger: logger}, nil
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

// Extract sends the encoded frame to the landmark service.
func (e *GRPCExtractor) Extract(ctx context.Context, f *frame.Frame) (*LandmarkSet, error) {
	req := wrapperspb.Bytes(f.Encoded)
	resp := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, ExtractMethod, req, resp); err != nil {
		switch status.Code(err) {
		case codes.DeadlineExceeded:
			return nil, fmt.Errorf("extract landmarks: %w", context.DeadlineExceeded)
		case codes.Canceled:
			return nil, fmt.Errorf("extract landmarks: %w", context.Canceled)
		case codes.Unavailable:
			return nil, fmt.Errorf("extract landmarks: %w: %v", ErrExtractorUnavailable, err)
		}
		return nil, fmt.Errorf("extract landmarks: %w", err)
	}
	return landmarksFromStruct(resp)
}

// Close closes the gRPC connection.
func (e *GRPCExtractor) Close() {
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			e.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

func landmarksFromStruct(s *structpb.Struct) (*LandmarkSet, error) {
	fields := s.GetFields()
	if !fields["face_found"].GetBoolValue() {
		return nil, nil
	}

	list := fields["landmarks"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: face_found without landmarks", errMalformedResponse)
	}

	values := list.GetValues()
	points := make([]Point, 0, len(values))
	for i, v := range values {
		xy := v.GetListValue().GetValues()
		if len(xy) < 2 {
			return nil, fmt.Errorf("%w: landmark %d has %d coordinates", errMalformedResponse, i, len(xy))
		}
		points = append(points, Point{X: xy[0].GetNumberValue(), Y: xy[1].GetNumberValue()})
	}

	return &LandmarkSet{
		Points: points,
		Width:  int(fields["width"].GetNumberValue()),
		Height: int(fields["height"].GetNumberValue()),
	}, nil
}
