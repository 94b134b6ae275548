package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/CapBus/internal/logging"
	"github.com/GriffinCanCode/CapBus/internal/wire"
)

// WebSocket carries one envelope per binary message, so the protocol's
// message boundaries come for free. Used for peers that cannot speak
// gRPC, e.g. browser-hosted ones.

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSBridgeHandler upgrades HTTP requests into hub endpoints, mirroring
// what the gRPC broker does for streams.
func WSBridgeHandler(hub *Hub, log *logging.Logger) http.HandlerFunc {
	if log == nil {
		log = logging.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		tx, err := wire.Decode(data)
		if err != nil || tx.Code != wire.OpEnterLoop {
			log.Warn("bad websocket handshake", zap.Error(err))
			return
		}
		pid := tx.Sender

		ep, err := hub.Attach(pid, DefaultQueueDepth)
		if err != nil {
			log.Warn("websocket attach refused",
				zap.Uint32("pid", uint32(pid)),
				zap.Error(err),
			)
			return
		}
		defer ep.Close()
		log.Info("websocket endpoint attached", zap.Uint32("pid", uint32(pid)))

		var writeMu sync.Mutex
		send := func(tx *wire.Transaction) error {
			buf, err := wire.Encode(tx)
			if err != nil {
				return err
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteMessage(websocket.BinaryMessage, buf)
		}

		ep.OnPeerTerminated(func(dead wire.ProcessID) {
			notice := &wire.Transaction{
				Dest:   pid,
				Target: wire.NodeTarget(0),
				Code:   wire.OpDeadNotification,
				Cookie: uint64(dead),
			}
			if err := send(notice); err != nil {
				log.Debug("death notice send failed", zap.Error(err))
			}
		})

		ctx := r.Context()
		go func() {
			for {
				tx, err := ep.Recv(ctx)
				if err != nil {
					return
				}
				if err := send(tx); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			tx, err := wire.Decode(data)
			if err != nil {
				log.Warn("dropping malformed frame",
					zap.Uint32("pid", uint32(pid)),
					zap.Error(err),
				)
				continue
			}
			tx.Sender = pid
			if err := ep.Send(tx); err != nil && !tx.Oneway() && !tx.IsReply() && !wire.IsControl(tx.Code) {
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
					return
				}
			}
		}
	}
}

// WSChannel is a Channel backed by one websocket connection.
type WSChannel struct {
	pid  wire.ProcessID
	log  *logging.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	in        chan *wire.Transaction
	done      chan struct{}
	closeOnce sync.Once

	deathMu  sync.Mutex
	deathFns []func(wire.ProcessID)
}

var _ Channel = (*WSChannel)(nil)

// DialWS attaches to a websocket bridge as the given process id.
func DialWS(ctx context.Context, url string, pid wire.ProcessID, log *logging.Logger) (*WSChannel, error) {
	if log == nil {
		log = logging.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial websocket: %w", err)
	}

	c := &WSChannel{
		pid:  pid,
		log:  log,
		conn: conn,
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
		conn.Close()
		return nil, fmt.Errorf("transport: handshake: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// Send encodes and writes one binary message.
func (c *WSChannel) Send(tx *wire.Transaction) error {
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
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, buf)
}

// Recv blocks for the next inbound transaction.
func (c *WSChannel) Recv(ctx context.Context) (*wire.Transaction, error) {
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
func (c *WSChannel) OnPeerTerminated(fn func(wire.ProcessID)) {
	c.deathMu.Lock()
	c.deathFns = append(c.deathFns, fn)
	c.deathMu.Unlock()
}

// Close tears down the connection.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	return nil
}

func (c *WSChannel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn("websocket bridge lost", zap.Error(err))
				c.Close()
			}
			return
		}
		tx, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
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

func (c *WSChannel) notifyPeerTerminated(pid wire.ProcessID) {
	c.deathMu.Lock()
	fns := make([]func(wire.ProcessID), len(c.deathFns))
	copy(fns, c.deathFns)
	c.deathMu.Unlock()
	for _, fn := range fns {
		fn(pid)
	}
}
