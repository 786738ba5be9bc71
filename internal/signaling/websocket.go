package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/meshcall/internal/identity"
)

// wsFrame is the JSON frame exchanged with the websocket signaling relay.
// The relay routes on the recipient identities and stamps sender metadata on
// delivery, standing in for the encrypted channel's authentication.
type wsFrame struct {
	From        []byte    `json:"from"`
	FromDevice  string    `json:"from_device"`
	To          [][]byte  `json:"to,omitempty"`
	OwnedFanout bool      `json:"owned_fanout,omitempty"`
	Envelope    *Envelope `json:"envelope"`
}

// WSClient is a Transport over a websocket relay. It is a development and
// test transport: frames are routed by the relay, not end-to-end encrypted.
type WSClient struct {
	url    string
	device identity.DeviceUID

	mu      sync.Mutex
	conn    *websocket.Conn
	handler Handler
	closed  chan struct{}
}

// pingInterval keeps intermediaries from dropping the idle connection.
const pingInterval = 25 * time.Second

// NewWSClient creates a websocket transport client for one local device.
func NewWSClient(url string, device identity.DeviceUID) *WSClient {
	return &WSClient{
		url:    url,
		device: device,
		closed: make(chan struct{}),
	}
}

// SetHandler registers the inbound delivery handler.
func (c *WSClient) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connect dials the relay and starts the read and ping loops.
func (c *WSClient) Connect() error {
	slog.Info("[Signaling] Connecting", "url", c.url)

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop()
	go c.pingLoop()
	return nil
}

// Send implements Transport.
func (c *WSClient) Send(ctx context.Context, owned identity.Identity, recipients []identity.Identity, env *Envelope) error {
	to := make([][]byte, 0, len(recipients))
	for _, r := range recipients {
		to = append(to, r.Bytes())
	}
	return c.write(ctx, &wsFrame{
		From:       owned.Bytes(),
		FromDevice: string(c.device),
		To:         to,
		Envelope:   env,
	})
}

// SendToOwnedDevices implements Transport.
func (c *WSClient) SendToOwnedDevices(ctx context.Context, owned identity.Identity, env *Envelope) error {
	return c.write(ctx, &wsFrame{
		From:        owned.Bytes(),
		FromDevice:  string(c.device),
		OwnedFanout: true,
		Envelope:    env,
	})
}

func (c *WSClient) write(ctx context.Context, frame *wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal signaling frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("signaling transport not connected")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *WSClient) readLoop() {
	defer c.Close()

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				slog.Warn("[Signaling] Read error", "error", err)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("[Signaling] Dropping malformed frame", "error", err)
			continue
		}
		if frame.Envelope == nil {
			slog.Warn("[Signaling] Dropping frame without envelope")
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler == nil {
			continue
		}

		// The relay stamps To with the local owned identity on delivery.
		var owned identity.Identity
		if len(frame.To) > 0 {
			owned = identity.FromBytes(frame.To[0])
		}
		handler(&Delivery{
			Envelope:       *frame.Envelope,
			OwnedIdentity:  owned,
			SenderIdentity: identity.FromBytes(frame.From),
			SenderDevice:   identity.DeviceUID(frame.FromDevice),
		})
	}
}

func (c *WSClient) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			var err error
			if conn != nil {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			c.mu.Unlock()
			if err != nil {
				slog.Warn("[Signaling] Ping failed", "error", err)
				return
			}
		}
	}
}

// Close implements Transport. Safe to call multiple times.
func (c *WSClient) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
