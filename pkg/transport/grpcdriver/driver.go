// Package grpcdriver carries messages over the eventmesh.v1.EventMeshService
// gRPC service. The driver is the client side; Server is the ingress that
// the serve command exposes.
package grpcdriver

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// Name is the registry name of the gRPC driver.
const Name = "grpc"

// Config configures the client driver.
type Config struct {
	// Host is the dial target, e.g. "localhost:50051".
	Host      string
	KeepAlive time.Duration
	Timeout   time.Duration
}

// Driver is the gRPC client driver.
type Driver struct {
	cfg      Config
	dialOpts []grpc.DialOption
	log      logger.Logger
	recorder transport.Recorder

	mu   sync.Mutex
	conn *grpc.ClientConn
	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(log logger.Logger) Option {
	return func(d *Driver) {
		if log != nil {
			d.log = log
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r transport.Recorder) Option {
	return func(d *Driver) {
		d.recorder = r
	}
}

// WithDialOptions appends dial options, e.g. a context dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(d *Driver) {
		d.dialOpts = append(d.dialOpts, opts...)
	}
}

// New creates a gRPC driver.
func New(cfg Config, opts ...Option) *Driver {
	if cfg.Host == "" {
		cfg.Host = "localhost:50051"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	d := &Driver{
		cfg: cfg,
		log: logger.Global(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("driver", Name)
	return d
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return Name
}

// Connect creates the client connection and checks the health service.
func (d *Driver) Connect(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return true
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                d.cfg.KeepAlive,
			Timeout:             d.cfg.Timeout,
			PermitWithoutStream: true,
		}),
	}, d.dialOpts...)

	conn, err := grpc.NewClient(d.cfg.Host, opts...)
	if err != nil {
		d.log.Error("failed to create client", "host", d.cfg.Host, "error", err)
		return false
	}

	checkCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(checkCtx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		_ = conn.Close()
		d.log.Error("connection failed", "host", d.cfg.Host, "error", err)
		return false
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		_ = conn.Close()
		d.log.Error("server not serving", "host", d.cfg.Host, "status", resp.GetStatus().String())
		return false
	}

	d.conn = conn
	d.done = make(chan struct{})
	return true
}

// Disconnect cancels streams and closes the connection.
func (d *Driver) Disconnect(ctx context.Context) bool {
	d.mu.Lock()
	conn := d.conn
	if conn == nil {
		d.mu.Unlock()
		return true
	}
	d.conn = nil
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
	if err := conn.Close(); err != nil {
		d.log.Error("failed to close connection", "error", err)
		return false
	}
	return true
}

// IsConnected reports whether the connection exists and is not shut down.
func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil && d.conn.GetState() != connectivity.Shutdown
}

// Publish invokes the unary Publish method.
func (d *Driver) Publish(ctx context.Context, topic string, payload map[string]any, headers map[string]string) bool {
	start := time.Now()
	ok := d.publish(ctx, topic, payload, headers)
	if d.recorder != nil {
		d.recorder.RecordPublish(Name, topic, ok, time.Since(start))
	}
	return ok
}

func (d *Driver) publish(ctx context.Context, topic string, payload map[string]any, headers map[string]string) bool {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		d.log.Error("publish on disconnected driver", "topic", topic)
		return false
	}

	req, err := EncodeMessage(topic, payload, headers)
	if err != nil {
		d.log.Error("failed to encode message", "topic", topic, "error", err)
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	resp := new(structpb.Struct)
	if err := conn.Invoke(callCtx, publishMethod, req, resp); err != nil {
		d.log.Error("publish failed", "topic", topic, "error", err)
		return false
	}
	if !resp.GetFields()[fieldOK].GetBoolValue() {
		d.log.Error("publish rejected", "topic", topic)
		return false
	}
	return true
}

// Subscribe opens a Subscribe stream and waits for the server to confirm it.
func (d *Driver) Subscribe(ctx context.Context, topic string, handler transport.Handler) bool {
	d.mu.Lock()
	conn := d.conn
	done := d.done
	d.mu.Unlock()
	if conn == nil {
		d.log.Error("subscribe on disconnected driver", "topic", topic)
		return false
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(streamCtx, &ServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		cancel()
		d.log.Error("subscribe failed", "topic", topic, "error", err)
		return false
	}

	req, err := structpb.NewStruct(map[string]any{fieldTopic: topic})
	if err == nil {
		err = stream.SendMsg(req)
	}
	if err == nil {
		err = stream.CloseSend()
	}
	if err == nil {
		ack := new(structpb.Struct)
		err = stream.RecvMsg(ack)
	}
	if err != nil {
		cancel()
		d.log.Error("subscribe failed", "topic", topic, "error", err)
		return false
	}

	d.wg.Add(1)
	go func() {
		select {
		case <-done:
			cancel()
		case <-streamCtx.Done():
		}
	}()
	go d.receive(streamCtx, cancel, stream, handler)
	return true
}

func (d *Driver) receive(ctx context.Context, cancel context.CancelFunc, stream grpc.ClientStream, handler transport.Handler) {
	defer d.wg.Done()
	defer cancel()

	for {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			if ctx.Err() == nil {
				d.log.Warn("subscription stream ended", "error", err)
			}
			return
		}
		msg, err := DecodeMessage(in)
		if err != nil {
			d.log.Warn("dropping undecodable message", "error", err)
			continue
		}
		if d.recorder != nil {
			d.recorder.RecordDelivery(Name, msg.Topic)
		}
		transport.SafeInvoke(ctx, d.log, handler, msg)
	}
}
