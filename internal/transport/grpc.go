package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/GriffinCanCode/CapBus/internal/logging"
	"github.com/GriffinCanCode/CapBus/internal/resilience"
	"github.com/GriffinCanCode/CapBus/internal/wire"
)

// The transport service carries raw wire envelopes over one
// bidirectional stream per process. The descriptor is written by hand:
// frames are already a fixed binary layout, so protobuf would only add
// a second serialization layer.
const grpcMethod = "/capbus.Transport/Attach"

const maxFrameSize = 10 * 1024 * 1024

// frame is the unit moved over the stream.
type frame struct {
	data []byte
}

// rawCodec passes frame bytes through untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("transport: rawCodec cannot marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("transport: rawCodec cannot unmarshal into %T", v)
	}
	// gRPC recycles receive buffers; the envelope aliases its input.
	f.data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return "capbus-raw" }

type attacher interface {
	attach(stream grpc.ServerStream) error
}

var grpcServiceDesc = grpc.ServiceDesc{
	ServiceName: "capbus.Transport",
	HandlerType: (*attacher)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(attacher).attach(stream)
}

// Broker bridges remote processes into a hub over gRPC streams. Each
// connected stream becomes one hub endpoint; the broker stamps the
// announced process id on every inbound frame so peers cannot spoof
// senders.
type Broker struct {
	hub        *Hub
	log        *logging.Logger
	server     *grpc.Server
	queueDepth int
}

// NewBroker creates a broker serving the given hub.
func NewBroker(hub *Hub, log *logging.Logger) *Broker {
	if log == nil {
		log = logging.NewNop()
	}
	b := &Broker{
		hub:        hub,
		log:        log,
		queueDepth: DefaultQueueDepth,
	}
	b.server = grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.MaxRecvMsgSize(maxFrameSize),
		grpc.MaxSendMsgSize(maxFrameSize),
	)
	b.server.RegisterService(&grpcServiceDesc, b)
	return b
}

// Serve accepts connections until the listener closes.
func (b *Broker) Serve(lis net.Listener) error {
	return b.server.Serve(lis)
}

// Stop drains the server gracefully.
func (b *Broker) Stop() {
	b.server.GracefulStop()
}

func (b *Broker) attach(stream grpc.ServerStream) error {
	// The first frame announces the process: an ENTER_LOOP envelope
	// whose sender field carries the pid.
	var hello frame
	if err := stream.RecvMsg(&hello); err != nil {
		return err
	}
	tx, err := wire.Decode(hello.data)
	if err != nil || tx.Code != wire.OpEnterLoop {
		return fmt.Errorf("transport: bad handshake: %w", err)
	}
	pid := tx.Sender

	ep, err := b.hub.Attach(pid, b.queueDepth)
	if err != nil {
		return err
	}
	defer ep.Close()
	b.log.Info("remote endpoint attached", zap.Uint32("pid", uint32(pid)))

	var sendMu sync.Mutex
	send := func(tx *wire.Transaction) error {
		buf, err := wire.Encode(tx)
		if err != nil {
			return err
		}
		sendMu.Lock()
		defer sendMu.Unlock()
		return stream.SendMsg(&frame{data: buf})
	}

	// Peer deaths travel to the remote side as DEAD_NOTIFICATION
	// frames; the client channel turns them back into out-of-band
	// events.
	ep.OnPeerTerminated(func(dead wire.ProcessID) {
		notice := &wire.Transaction{
			Dest:   pid,
			Target: wire.NodeTarget(0),
			Code:   wire.OpDeadNotification,
			Cookie: uint64(dead),
		}
		if err := send(notice); err != nil {
			b.log.Debug("death notice send failed", zap.Error(err))
		}
	})

	ctx := stream.Context()
	go func() {
		for {
			tx, err := ep.Recv(ctx)
			if err != nil {
				return
			}
			if err := send(tx); err != nil {
				b.log.Debug("stream send failed", zap.Error(err))
				return
			}
		}
	}()

	for {
		var f frame
		if err := stream.RecvMsg(&f); err != nil {
			// Stream teardown is the peer's termination event.
			return nil
		}
		tx, err := wire.Decode(f.data)
		if err != nil {
			b.log.Warn("dropping malformed frame",
				zap.Uint32("pid", uint32(pid)),
				zap.Error(err),
			)
			continue
		}
		tx.Sender = pid
		if err := ep.Send(tx); err != nil {
			b.rejectUnroutable(send, pid, tx, err)
		}
	}
}

// rejectUnroutable answers a two-way transaction the hub could not
// route, so the remote caller fails fast instead of timing out.
func (b *Broker) rejectUnroutable(send func(*wire.Transaction) error, pid wire.ProcessID, tx *wire.Transaction, cause error) {
	b.log.Debug("unroutable transaction",
		zap.Uint32("dest", uint32(tx.Dest)),
		zap.Error(cause),
	)
	if tx.Oneway() || tx.IsReply() || wire.IsControl(tx.Code) {
		return
	}
	reply := &wire.Transaction{
		Dest:         pid,
		Target:       wire.NodeTarget(0),
		Flags:        wire.FlagReply,
		Sender:       tx.Dest,
		Corr:         tx.Corr,
		TargetThread: tx.SenderThread,
		Status:       wire.StatusUnreachable,
	}
	if err := send(reply); err != nil {
		b.log.Debug("unroutable reply send failed", zap.Error(err))
	}
}

// GRPCChannel is a Channel backed by one stream to a broker.
type GRPCChannel struct {
	pid    wire.ProcessID
	log    *logging.Logger
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	breaker *resilience.Breaker
	sendMu  sync.Mutex

	in        chan *wire.Transaction
	done      chan struct{}
	closeOnce sync.Once

	deathMu  sync.Mutex
	deathFns []func(wire.ProcessID)
}

var _ Channel = (*GRPCChannel)(nil)

// DialGRPC attaches to a broker as the given process id.
func DialGRPC(ctx context.Context, addr string, pid wire.ProcessID, log *logging.Logger) (*GRPCChannel, error) {
	if log == nil {
		log = logging.NewNop()
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    60 * time.Second,
			Timeout: 20 * time.Second,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxFrameSize),
			grpc.MaxCallSendMsgSize(maxFrameSize),
			grpc.ForceCodec(rawCodec{}),
		),
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dial broker: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, &grpcServiceDesc.Streams[0], grpcMethod)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}

	c := &GRPCChannel{
		pid:    pid,
		log:    log,
		conn:   conn,
		stream: stream,
		cancel: cancel,
		breaker: resilience.New("broker", resilience.Settings{
			FailureThreshold: 5,
			Cooldown:         10 * time.Second,
		}),
		in:   make(chan *wire.Transaction, DefaultQueueDepth),
		done: make(chan struct{}),
	}

	hello := &wire.Transaction{
		Dest:   pid,
		Target: wire.NodeTarget(0),
		Code:   wire.OpEnterLoop,
		Sender: pid,
	}
	if err := c.Send(hello); err != nil {
		c.Close()
		return nil, fmt.Errorf("transport: handshake: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// Send encodes and writes one frame, guarded by the breaker.
func (c *GRPCChannel) Send(tx *wire.Transaction) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	tx.Sender = c.pid
	buf, err := wire.Encode(tx)
	if err != nil {
		return err
	}
	return c.breaker.Do(func() error {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		return c.stream.SendMsg(&frame{data: buf})
	})
}

// Recv blocks for the next inbound transaction.
func (c *GRPCChannel) Recv(ctx context.Context) (*wire.Transaction, error) {
	select {
	case tx := <-c.in:
		return tx, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		select {
		case tx := <-c.in:
			return tx, nil
		default:
			return nil, ErrClosed
		}
	}
}

// OnPeerTerminated registers a death callback.
func (c *GRPCChannel) OnPeerTerminated(fn func(wire.ProcessID)) {
	c.deathMu.Lock()
	c.deathFns = append(c.deathFns, fn)
	c.deathMu.Unlock()
}

// Close tears down the stream; the broker reports this process dead to
// its peers.
func (c *GRPCChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.conn.Close()
	})
	return nil
}

func (c *GRPCChannel) readLoop() {
	for {
		var f frame
		if err := c.stream.RecvMsg(&f); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn("broker stream lost", zap.Error(err))
				c.Close()
			}
			return
		}
		tx, err := wire.Decode(f.data)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		// Death notices are surfaced out of band, not as traffic.
		if tx.Code == wire.OpDeadNotification {
			c.notifyPeerTerminated(wire.ProcessID(tx.Cookie))
			continue
		}
		select {
		case c.in <- tx:
		case <-c.done:
			return
		}
	}
}

func (c *GRPCChannel) notifyPeerTerminated(pid wire.ProcessID) {
	c.deathMu.Lock()
	fns := make([]func(wire.ProcessID), len(c.deathFns))
	copy(fns, c.deathFns)
	c.deathMu.Unlock()
	for _, fn := range fns {
		fn(pid)
	}
}
