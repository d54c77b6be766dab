package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"dotrpc/message"
)

// BinaryCodec lays a *message.Request out as
//
//	[2 bytes path length][path][4 bytes payload length][payload]
type BinaryCodec struct{}

var errNotRequest = errors.New("BinaryCodec: v must be *message.Request")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	req, ok := v.(*message.Request)
	if !ok {
		return nil, errNotRequest
	}
	if len(req.Path) > 0xFFFF {
		return nil, fmt.Errorf("BinaryCodec: path too long (%d bytes)", len(req.Path))
	}

	buf := make([]byte, 2+len(req.Path)+4+len(req.Data))
	offset := 0

	// Path length -- 2 bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(req.Path)))
	offset += 2

	// Path -- n bytes
	copy(buf[offset:], req.Path)
	offset += len(req.Path)

	// Payload length -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(req.Data)))
	offset += 4

	// Payload -- n bytes
	copy(buf[offset:], req.Data)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	req, ok := v.(*message.Request)
	if !ok {
		return errNotRequest
	}

	offset := 0
	if len(data) < offset+2 {
		return errShort
	}
	pathLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+pathLen {
		return errShort
	}
	req.Path = string(data[offset : offset+pathLen])
	offset += pathLen

	if len(data) < offset+4 {
		return errShort
	}
	payloadLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+payloadLen {
		return errShort
	}
	req.Data = nil
	if payloadLen > 0 {
		req.Data = make([]byte, payloadLen)
		copy(req.Data, data[offset:offset+payloadLen])
	}
	return nil
}

var errShort = errors.New("BinaryCodec: truncated message")

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
