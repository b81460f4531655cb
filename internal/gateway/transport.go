package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTransportClosed is returned by a closed Transport.
var ErrTransportClosed = errors.New("transport closed")

// Transport is a bidirectional message connection to one agent. Read and
// Write may be called concurrently with each other, but Write is not safe
// for concurrent use; sessions serialize writes. A zero deadline means none.
type Transport interface {
	Read(deadline time.Time) (MessageKind, []byte, error)
	Write(kind MessageKind, data []byte, deadline time.Time) error
	Close() error
	RemoteAddr() string
}

type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// NewWebSocketTransport wraps an upgraded websocket connection.
func NewWebSocketTransport(conn *websocket.Conn, readLimit int64) Transport {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(deadline time.Time) (MessageKind, []byte, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, err
	}
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return 0, nil, err
		}
		switch mt {
		case websocket.TextMessage:
			return KindText, data, nil
		case websocket.BinaryMessage:
			return KindBinary, data, nil
		}
	}
}

func (t *wsTransport) Write(kind MessageKind, data []byte, deadline time.Time) error {
	mt := websocket.TextMessage
	if kind == KindBinary {
		mt = websocket.BinaryMessage
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(mt, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

type pipeMessage struct {
	kind MessageKind
	data []byte
}

type pipeShared struct {
	once   sync.Once
	closed chan struct{}
}

type pipeEnd struct {
	in     chan pipeMessage
	out    chan pipeMessage
	shared *pipeShared
	name   string
}

// NewPipe returns two connected in-memory transports. Closing either end
// closes both.
func NewPipe(buffer int) (Transport, Transport) {
	if buffer <= 0 {
		buffer = 64
	}
	a2b := make(chan pipeMessage, buffer)
	b2a := make(chan pipeMessage, buffer)
	shared := &pipeShared{closed: make(chan struct{})}
	return &pipeEnd{in: b2a, out: a2b, shared: shared, name: "pipe-server"},
		&pipeEnd{in: a2b, out: b2a, shared: shared, name: "pipe-client"}
}

type timeoutError struct{ op string }

func (e timeoutError) Error() string { return fmt.Sprintf("pipe %s: i/o timeout", e.op) }
func (e timeoutError) Timeout() bool { return true }

func deadlineChan(deadline time.Time) (<-chan time.Time, func()) {
	if deadline.IsZero() {
		return nil, func() {}
	}
	t := time.NewTimer(time.Until(deadline))
	return t.C, func() { t.Stop() }
}

func (p *pipeEnd) Read(deadline time.Time) (MessageKind, []byte, error) {
	// Messages already buffered are readable even after the peer closed.
	select {
	case m := <-p.in:
		return m.kind, m.data, nil
	default:
	}
	timeout, stop := deadlineChan(deadline)
	defer stop()
	select {
	case m := <-p.in:
		return m.kind, m.data, nil
	case <-p.shared.closed:
		select {
		case m := <-p.in:
			return m.kind, m.data, nil
		default:
		}
		return 0, nil, ErrTransportClosed
	case <-timeout:
		return 0, nil, timeoutError{op: "read"}
	}
}

func (p *pipeEnd) Write(kind MessageKind, data []byte, deadline time.Time) error {
	select {
	case <-p.shared.closed:
		return ErrTransportClosed
	default:
	}
	timeout, stop := deadlineChan(deadline)
	defer stop()
	buf := append([]byte(nil), data...)
	select {
	case p.out <- pipeMessage{kind: kind, data: buf}:
		return nil
	case <-p.shared.closed:
		return ErrTransportClosed
	case <-timeout:
		return timeoutError{op: "write"}
	}
}

func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.closed) })
	return nil
}

func (p *pipeEnd) RemoteAddr() string { return p.name }
