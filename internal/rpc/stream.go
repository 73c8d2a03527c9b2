package rpc

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"edu/hyponome/internal/codec"
	"edu/hyponome/internal/hasher"
)

// ErrMessageTooLarge is an invalid argument: the caller asked for more
// than one message can carry.
var ErrMessageTooLarge = fmt.Errorf("rpc: message exceeds size limit: %w", hasher.ErrInvalidArgument)

const closeGrace = time.Second

// MessageStream is a bidirectional, ordered stream of messages. Send is
// safe to call from one goroutine concurrently with Recv from another.
type MessageStream interface {
	Send(m *Message) error
	Recv(m *Message) error
	Close() error
}

// netStream frames each CBOR message with a 4-byte big-endian length.
type netStream struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
}

func NewNetStream(conn net.Conn) MessageStream {
	return &netStream{conn: conn, r: bufio.NewReader(conn)}
}

func (s *netStream) Send(m *Message) error {
	data, err := codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", m.Kind, err)
	}
	if len(data) > codec.MaxMessageSize {
		return ErrMessageTooLarge
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func (s *netStream) Recv(m *Message) error {
	var hdr [4]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > codec.MaxMessageSize {
		return ErrMessageTooLarge
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(s.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	*m = Message{}
	if err := codec.Unmarshal(data, m); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}

func (s *netStream) Close() error {
	return s.conn.Close()
}

// wsStream carries one message per binary websocket frame.
type wsStream struct {
	conn *websocket.Conn

	wmu sync.Mutex
}

func NewWebsocketStream(conn *websocket.Conn) MessageStream {
	conn.SetReadLimit(codec.MaxMessageSize)
	return &wsStream{conn: conn}
}

func (s *wsStream) Send(m *Message) error {
	data, err := codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", m.Kind, err)
	}
	if len(data) > codec.MaxMessageSize {
		return ErrMessageTooLarge
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func (s *wsStream) Recv(m *Message) error {
	typ, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return io.EOF
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			return ErrMessageTooLarge
		}
		return err
	}
	if typ != websocket.BinaryMessage {
		return fmt.Errorf("rpc: unexpected websocket message type %d", typ)
	}

	*m = Message{}
	if err := codec.Unmarshal(data, m); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}

func (s *wsStream) Close() error {
	s.wmu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGrace))
	s.wmu.Unlock()
	return s.conn.Close()
}

// Dial connects to a stream listener and returns a client for its
// bootstrap hasher.
func Dial(ctx context.Context, network, addr string, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s %s: %w", network, addr, err)
	}
	return NewClient(NewNetStream(conn), opts...), nil
}

// DialWebsocket connects to the /ws endpoint of an HTTP listener.
func DialWebsocket(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewClient(NewWebsocketStream(conn), opts...), nil
}
