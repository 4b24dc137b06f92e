package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chunkstream.ai/internal/authority"
	"chunkstream.ai/internal/protocol"
	"chunkstream.ai/internal/sim/encoding"
	"chunkstream.ai/internal/space"
)

type Server struct {
	world *authority.World
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(w *authority.World, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		world: w,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

// conn is one attached client session. out carries protocol messages and
// raw cuboids; the writer goroutine encodes both.
type conn struct {
	id     string
	enc    string
	out    chan any
	ctx    context.Context
	cancel context.CancelFunc
	log    *log.Logger
	once   sync.Once
}

// Deliver pushes a subscription update. A client that cannot keep up is
// disconnected rather than silently missing data.
func (c *conn) Deliver(cub encoding.Cuboid) {
	select {
	case c.out <- cub:
	case <-c.ctx.Done():
	default:
		c.once.Do(func() {
			c.log.Printf("session %s: outbound queue full, disconnecting", c.id)
			c.cancel()
		})
	}
}

// send queues a reply from the session's own reader goroutine.
func (c *conn) send(v any) {
	select {
	case c.out <- v:
	case <-c.ctx.Done():
	}
}

// frame turns a queued item into wire bytes.
func (c *conn) frame(v any) ([]byte, error) {
	if cub, ok := v.(encoding.Cuboid); ok {
		w, err := protocol.EncodeCuboid(cub, c.enc)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", cub.Region, err)
		}
		v = protocol.DescribeRegionsMsg{
			Type:            protocol.TypeDescribeRegions,
			ProtocolVersion: protocol.Version,
			Cuboids:         []protocol.Cuboid{w},
		}
	}
	return json.Marshal(v)
}

func (c *conn) sendError(err error) {
	c.send(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            protocol.CodeFor(err),
		Message:         err.Error(),
	})
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := s.handshake(ctx, cancel, ws)
		if c == nil {
			return
		}
		defer s.world.Detach(c.id)
		s.log.Printf("session %s attached", c.id)
		ws.SetPingHandler(func(data string) error {
			_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
			return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					_ = ws.Close()
					return
				case v := <-c.out:
					b, err := c.frame(v)
					if err != nil {
						c.log.Printf("session %s: %v", c.id, err)
						continue
					}
					_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = ws.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := ws.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			s.handle(c, msg)
		}
		s.log.Printf("session %s detached", c.id)
	}
}

func (s *Server) handle(c *conn, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		c.sendError(fmt.Errorf("%w: %v", protocol.ErrMalformed, err))
		return
	}
	if base.ProtocolVersion != protocol.Version {
		c.send(protocol.ErrorMsg{
			Type:            protocol.TypeError,
			ProtocolVersion: protocol.Version,
			Code:            protocol.ErrProtoVersion,
			Message:         "bad protocol_version",
		})
		return
	}

	switch base.Type {
	case protocol.TypeProbeRegions:
		var m protocol.ProbeRegionsMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			c.sendError(fmt.Errorf("%w: %v", protocol.ErrMalformed, err))
			return
		}
		regions, err := toSpace(m.Regions)
		if err != nil {
			s.reply(c, m.ReqID, err)
			return
		}
		if !m.Subscribe {
			err := s.world.Unsubscribe(c.id, regions)
			if m.ReqID != "" || err != nil {
				s.reply(c, m.ReqID, err)
			}
			return
		}
		// Content arrives through Deliver, ordered with concurrent writes.
		err = s.world.Subscribe(c.id, regions)
		if m.ReqID != "" || err != nil {
			s.reply(c, m.ReqID, err)
		}

	case protocol.TypeWriteBlocks:
		var m protocol.WriteBlocksMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			c.sendError(fmt.Errorf("%w: %v", protocol.ErrMalformed, err))
			return
		}
		cub, err := protocol.DecodeCuboid(m.Cuboid)
		if err == nil {
			err = s.world.Write(c.id, cub)
		}
		s.reply(c, m.ReqID, err)

	default:
		c.sendError(fmt.Errorf("%w: unexpected %q", protocol.ErrMalformed, base.Type))
	}
}

func (s *Server) reply(c *conn, reqID string, err error) {
	if err != nil && reqID == "" {
		c.sendError(err)
		return
	}
	c.send(protocol.NewAck(reqID, err))
}

func (s *Server) handshake(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn) *conn {
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 {
		maxQ = 256
	}
	if maxQ > 1024 {
		maxQ = 1024
	}

	c := &conn{
		id:     uuid.NewString(),
		enc:    pickEncoding(hello.Capabilities.Encodings),
		out:    make(chan any, maxQ),
		ctx:    ctx,
		cancel: cancel,
		log:    s.log,
	}
	if err := s.world.Attach(c.id, c); err != nil {
		s.log.Printf("attach: %v", err)
		return nil
	}

	g := s.world.Grid()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       c.id,
		Dims:            g.Dims(),
		Encoding:        c.enc,
	}
	for i := 0; i < g.Dims(); i++ {
		welcome.ChunkSize = append(welcome.ChunkSize, g.Width(i))
	}
	if err := writeJSON(ws, welcome); err != nil {
		s.world.Detach(c.id)
		return nil
	}
	return c
}

func pickEncoding(offered []string) string {
	if len(offered) == 0 {
		return protocol.EncodingZstd
	}
	for _, e := range offered {
		if e == protocol.EncodingZstd {
			return e
		}
	}
	return protocol.EncodingRaw
}

func toSpace(rs []protocol.Region) ([]space.Region, error) {
	out := make([]space.Region, 0, len(rs))
	for _, r := range rs {
		sr, err := r.Space()
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, nil
}

func writeJSON(ws *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, b)
}
