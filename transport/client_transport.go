// Package transport implements the client side of a call's connection.
//
// Every call owns one transient connection: dial, write the request frame,
// read frames until the response arrives, close. Nothing is shared between
// calls, so there is no pending map and no multiplexing.
//
//	Dial ──► Send(seq=1) ──► Server
//	     ◄── Recv()      ◄── response(seq=1)
//	Close
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"dotrpc/codec"
	"dotrpc/message"
	"dotrpc/protocol"
)

// ClientTransport wraps one TCP connection to a server.
type ClientTransport struct {
	conn     net.Conn        // Underlying TCP connection
	codec    codec.CodecType // Envelope format for requests
	seq      atomic.Uint32   // Sequence numbers for frames on this connection
	sending  sync.Mutex      // Serializes frame writes
	once     sync.Once
	closeErr error
}

// Dial connects to addr. Cancelling ctx aborts the connection attempt.
func Dial(ctx context.Context, addr string, codecType codec.CodecType) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClientTransport(conn, codecType), nil
}

// NewClientTransport wraps an established connection.
func NewClientTransport(conn net.Conn, codecType codec.CodecType) *ClientTransport {
	return &ClientTransport{conn: conn, codec: codecType}
}

// Send writes one request frame carrying the envelope {path, payload} and
// returns its sequence number. payload is JSON-encoded unless it already is
// a json.RawMessage.
func (t *ClientTransport) Send(path string, payload any) (uint32, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return 0, err
	}

	body, err := codec.GetCodec(t.codec).Encode(&message.Request{Path: path, Data: data})
	if err != nil {
		return 0, err
	}

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       t.seq.Add(1),
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		return 0, err
	}
	return header.Seq, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("null"), nil
		}
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// Recv blocks until the next response frame arrives. Heartbeat frames are
// skipped. Closing the transport unblocks it with an error.
func (t *ClientTransport) Recv() (*protocol.Header, []byte, error) {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			return nil, nil, err
		}
		if header.MsgType == protocol.MsgTypeResponse {
			return header, body, nil
		}
	}
}

// Close closes the connection. Calling it again returns the first result.
func (t *ClientTransport) Close() error {
	t.once.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}
