package submitter

import (
	"context"
	"fmt"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/photonx/coordinator/internal/clog"
)

var log = clog.SubLogger(clog.SubsystemSettlement)

const (
	methodSubmitCheckpointBatch = "/photonx.submitter.v1.Submitter/SubmitCheckpointBatch"
	methodSubmitFinalState      = "/photonx.submitter.v1.Submitter/SubmitFinalState"
	methodStreamReceipts        = "/photonx.submitter.v1.Submitter/StreamReceipts"
)

// Client is the settlement driver's view of the external submitter
// service. Production code depends on this interface, not on
// GRPCClient directly, so tests can substitute a fake.
type Client interface {
	SubmitCheckpointBatch(ctx context.Context, req CheckpointBatchRequest) (*Receipt, error)
	SubmitFinalState(ctx context.Context, req FinalStateRequest) (*Receipt, error)

	// Receipts streams asynchronous confirmation/failure notifications
	// for previously submitted final states. The channel is closed when
	// the underlying connection to the submitter is torn down.
	Receipts() <-chan SubmissionReceipt

	Close() error
}

// GRPCClient is the real Client, generalizing lncli gRPC
// dial pattern (cmd/lncli/main.go: grpc.Dial with transport credentials
// and a chain of dial options) into an outbound client used by the
// coordinator itself rather than an operator CLI.
type GRPCClient struct {
	conn     *grpc.ClientConn
	receipts chan SubmissionReceipt
	cancel   context.CancelFunc
}

// DialOptions bundles the dial-time choices. Dial accepts only
// Insecure: true; it has no field for transport credentials and returns
// an error when Insecure is false.
type DialOptions struct {
	Insecure bool
}

// Dial connects to the submitter service at addr, installing the
// grpc-ecosystem Prometheus client interceptor (the same
// github.com/grpc-ecosystem/go-grpc-prometheus dependency lnd uses
// server-side, used client-side here) so every submission call is
// observable.
func Dial(addr string, opts DialOptions) (*GRPCClient, error) {
	var creds grpc.DialOption
	if opts.Insecure {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	} else {
		return nil, fmt.Errorf("submitter: non-insecure transport credentials must be supplied by the caller")
	}

	conn, err := grpc.Dial(addr,
		creds,
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(
			grpc_prometheus.UnaryClientInterceptor,
		)),
		grpc.WithStreamInterceptor(grpc_middleware.ChainStreamClient(
			grpc_prometheus.StreamClientInterceptor,
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("submitter: dial %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &GRPCClient{conn: conn, receipts: make(chan SubmissionReceipt, 64), cancel: cancel}
	go c.streamReceipts(ctx)
	return c, nil
}

var streamReceiptsDesc = grpc.StreamDesc{
	StreamName:    "StreamReceipts",
	ServerStreams: true,
}

// streamReceipts holds open a long-lived server-streaming call to the
// submitter, forwarding each confirmation/failure notification onto
// c.receipts until ctx is cancelled or the stream errors out, at which
// point c.receipts is closed so consumers don't block forever on a dead
// connection. Production deployments expect the submitter to keep the
// stream alive across reconnects; a dropped stream here surfaces as the
// channel closing, which the caller should treat as a signal to re-Dial.
func (c *GRPCClient) streamReceipts(ctx context.Context) {
	defer close(c.receipts)

	stream, err := c.conn.NewStream(ctx, &streamReceiptsDesc, methodStreamReceipts)
	if err != nil {
		log.Errorf("submitter: open receipt stream: %v", err)
		return
	}
	for {
		var recv SubmissionReceipt
		if err := stream.RecvMsg(&recv); err != nil {
			if ctx.Err() == nil {
				log.Warnf("submitter: receipt stream closed: %v", err)
			}
			return
		}
		select {
		case c.receipts <- recv:
		case <-ctx.Done():
			return
		}
	}
}

// Receipts implements Client.
func (c *GRPCClient) Receipts() <-chan SubmissionReceipt {
	return c.receipts
}

func (c *GRPCClient) SubmitCheckpointBatch(ctx context.Context, req CheckpointBatchRequest) (*Receipt, error) {
	var resp Receipt
	if err := c.conn.Invoke(ctx, methodSubmitCheckpointBatch, &req, &resp); err != nil {
		return nil, fmt.Errorf("submitter: submit checkpoint batch: %w", err)
	}
	return &resp, nil
}

func (c *GRPCClient) SubmitFinalState(ctx context.Context, req FinalStateRequest) (*Receipt, error) {
	var resp Receipt
	if err := c.conn.Invoke(ctx, methodSubmitFinalState, &req, &resp); err != nil {
		return nil, fmt.Errorf("submitter: submit final state: %w", err)
	}
	return &resp, nil
}

func (c *GRPCClient) Close() error {
	c.cancel()
	return c.conn.Close()
}

var _ Client = (*GRPCClient)(nil)
