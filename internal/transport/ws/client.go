package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chunkstream.ai/internal/protocol"
	"chunkstream.ai/internal/sim/encoding"
	"chunkstream.ai/internal/space"
)

var ErrClientClosed = errors.New("client closed")

const pingEvery = 20 * time.Second

// Client is one session against an authority server. It implements
// chunkcache.RemoteAuthority; Run feeds what the server describes into a
// sink, typically Cache.WriteBack.
type Client struct {
	conn    *websocket.Conn
	welcome protocol.WelcomeMsg
	grid    space.Grid
	log     *log.Logger

	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	seq    atomic.Uint64
}

// Dial connects and completes the HELLO/WELCOME handshake.
func Dial(ctx context.Context, url, name string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      name,
		Capabilities: protocol.HelloCapabilities{
			MaxQueue:  256,
			Encodings: []string{protocol.EncodingZstd, protocol.EncodingRaw},
		},
	}
	if err := writeJSON(conn, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read WELCOME: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("%w: expected WELCOME", protocol.ErrMalformed)
	}
	grid, err := space.GridOf(welcome.ChunkSize...)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("welcome chunk_size: %w", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		welcome: welcome,
		grid:    grid,
		log:     logger,
		out:     make(chan []byte, 256),
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	logger.Printf("WELCOME session=%s dims=%d chunk=%v encoding=%s", welcome.SessionID, welcome.Dims, welcome.ChunkSize, welcome.Encoding)
	return c, nil
}

func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

// Grid is the chunk grid announced by the server.
func (c *Client) Grid() space.Grid { return c.grid }

func (c *Client) writeLoop() {
	defer close(c.done)
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = c.conn.Close()
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.cancel()
			}
		case b := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Printf("write: %v", err)
				c.cancel()
			}
		}
	}
}

func (c *Client) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.out <- b:
		return nil
	case <-c.ctx.Done():
		return ErrClientClosed
	}
}

func (c *Client) nextReqID(prefix string) string {
	return prefix + "_" + strconv.FormatUint(c.seq.Add(1), 10)
}

// RequestChunk subscribes to a chunk; its content arrives through Run.
func (c *Client) RequestChunk(chunk space.Region) {
	err := c.send(protocol.ProbeRegionsMsg{
		Type:            protocol.TypeProbeRegions,
		ProtocolVersion: protocol.Version,
		Subscribe:       true,
		Regions:         []protocol.Region{protocol.RegionOf(chunk)},
	})
	if err != nil {
		c.log.Printf("request %s: %v", chunk, err)
	}
}

// ReleaseChunks drops the subscriptions in one message.
func (c *Client) ReleaseChunks(chunks []space.Region) {
	if len(chunks) == 0 {
		return
	}
	err := c.send(protocol.ProbeRegionsMsg{
		Type:            protocol.TypeProbeRegions,
		ProtocolVersion: protocol.Version,
		Subscribe:       false,
		Regions:         protocol.RegionsOf(chunks),
	})
	if err != nil {
		c.log.Printf("release %d chunks: %v", len(chunks), err)
	}
}

// WriteBlocks sends a write and returns its request id. The outcome comes
// back as an ACK, and the change itself as a DESCRIBE_REGIONS for every
// subscribed chunk.
func (c *Client) WriteBlocks(cub encoding.Cuboid) (string, error) {
	w, err := protocol.EncodeCuboid(cub, c.welcome.Encoding)
	if err != nil {
		return "", err
	}
	id := c.nextReqID("W")
	return id, c.send(protocol.WriteBlocksMsg{
		Type:            protocol.TypeWriteBlocks,
		ProtocolVersion: protocol.Version,
		ReqID:           id,
		Cuboid:          w,
	})
}

// Run reads until ctx is done or the connection ends. Every described
// cuboid is passed to sink in arrival order; sink errors are logged.
func (c *Client) Run(ctx context.Context, sink func(encoding.Cuboid) error) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.ctx.Done():
		}
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			closed := c.ctx.Err() != nil
			c.cancel()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if closed {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		c.handle(msg, sink)
	}
}

func (c *Client) handle(msg []byte, sink func(encoding.Cuboid) error) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		c.log.Printf("bad message: %v", err)
		return
	}
	switch base.Type {
	case protocol.TypeDescribeRegions:
		var m protocol.DescribeRegionsMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			c.log.Printf("bad DESCRIBE_REGIONS: %v", err)
			return
		}
		for _, w := range m.Cuboids {
			cub, err := protocol.DecodeCuboid(w)
			if err != nil {
				c.log.Printf("decode cuboid: %v", err)
				continue
			}
			if err := sink(cub); err != nil {
				c.log.Printf("apply %s: %v", cub.Region, err)
			}
		}
	case protocol.TypeAck:
		var a protocol.AckMsg
		if err := json.Unmarshal(msg, &a); err == nil && !a.Accepted {
			c.log.Printf("ACK %s rejected: %s %s", a.AckFor, a.Code, a.Message)
		}
	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(msg, &e); err == nil {
			c.log.Printf("ERROR %s: %s", e.Code, e.Message)
		}
	default:
		c.log.Printf("unexpected %s", base.Type)
	}
}

// Close ends the session and waits for the writer to finish.
func (c *Client) Close() error {
	c.once.Do(c.cancel)
	<-c.done
	return nil
}
