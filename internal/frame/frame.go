// Package frame implements the length-prefixed binary framing exchanged
// between the Tunnel Endpoint and the Relay Host over the relay channel.
//
// Two disjoint message classes travel the wire: Requests (tunnel -> host)
// and Responses (host -> tunnel). Both are encoded big-endian with a
// leading type tag byte.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned by Decode when the buffer is too short
// for a declared length, or the type tag is unknown.
var ErrMalformedFrame = errors.New("frame: malformed frame")

// Request type tags.
const (
	ReqConnect        byte = 0x01
	ReqData           byte = 0x02
	ReqDisconnect     byte = 0x03
	ReqShutdownWrite  byte = 0x04
)

// Response type tags.
const (
	RespConnected    byte = 0x01
	RespData         byte = 0x02
	RespDisconnected byte = 0x03
	RespError        byte = 0x04
)

// Request is one tunnel->host message. Which fields are meaningful
// depends on Type:
//
//	ReqConnect:       ID, DestIP, DestPort
//	ReqData:          ID, Payload
//	ReqDisconnect:    ID
//	ReqShutdownWrite: ID
type Request struct {
	Type     byte
	ID       string
	DestIP   string
	DestPort uint16
	Payload  []byte
}

// Response is one host->tunnel message. Which fields are meaningful
// depends on Type:
//
//	RespConnected:    ID
//	RespData:         ID, Payload
//	RespDisconnected: ID
//	RespError:        ID, Message
type Response struct {
	Type    byte
	ID      string
	Payload []byte
	Message string
}

// NewConnect builds a Connect request.
func NewConnect(id, destIP string, destPort uint16) Request {
	return Request{Type: ReqConnect, ID: id, DestIP: destIP, DestPort: destPort}
}

// NewData builds a Data request.
func NewData(id string, payload []byte) Request {
	return Request{Type: ReqData, ID: id, Payload: payload}
}

// NewDisconnect builds a Disconnect request.
func NewDisconnect(id string) Request {
	return Request{Type: ReqDisconnect, ID: id}
}

// NewShutdownWrite builds a ShutdownWrite request.
func NewShutdownWrite(id string) Request {
	return Request{Type: ReqShutdownWrite, ID: id}
}

// NewConnected builds a Connected response.
func NewConnected(id string) Response {
	return Response{Type: RespConnected, ID: id}
}

// NewDataResponse builds a Data response.
func NewDataResponse(id string, payload []byte) Response {
	return Response{Type: RespData, ID: id, Payload: payload}
}

// NewDisconnected builds a Disconnected response.
func NewDisconnected(id string) Response {
	return Response{Type: RespDisconnected, ID: id}
}

// NewError builds an Error response.
func NewError(id, message string) Response {
	return Response{Type: RespError, ID: id, Message: message}
}

func putString(buf []byte, s string) []byte {
	var lenbuf [2]byte
	binary.BigEndian.PutUint16(lenbuf[:], uint16(len(s)))
	buf = append(buf, lenbuf[:]...)
	buf = append(buf, s...)
	return buf
}

// EncodeRequest serializes req into the tagged, length-prefixed wire
// format. Encoding never fails for well-formed inputs.
func EncodeRequest(req Request) []byte {
	buf := make([]byte, 0, 16+len(req.ID)+len(req.Payload))
	buf = append(buf, req.Type)
	buf = putString(buf, req.ID)

	switch req.Type {
	case ReqConnect:
		buf = putString(buf, req.DestIP)
		var portbuf [2]byte
		binary.BigEndian.PutUint16(portbuf[:], req.DestPort)
		buf = append(buf, portbuf[:]...)
	case ReqData:
		var lenbuf [4]byte
		binary.BigEndian.PutUint32(lenbuf[:], uint32(len(req.Payload)))
		buf = append(buf, lenbuf[:]...)
		buf = append(buf, req.Payload...)
	case ReqDisconnect, ReqShutdownWrite:
		// nothing else
	}
	return buf
}

// EncodeResponse serializes resp into the tagged, length-prefixed wire
// format.
func EncodeResponse(resp Response) []byte {
	buf := make([]byte, 0, 16+len(resp.ID)+len(resp.Payload)+len(resp.Message))
	buf = append(buf, resp.Type)
	buf = putString(buf, resp.ID)

	switch resp.Type {
	case RespData:
		var lenbuf [4]byte
		binary.BigEndian.PutUint32(lenbuf[:], uint32(len(resp.Payload)))
		buf = append(buf, lenbuf[:]...)
		buf = append(buf, resp.Payload...)
	case RespError:
		buf = putString(buf, resp.Message)
	case RespConnected, RespDisconnected:
		// nothing else
	}
	return buf
}

// reader walks a byte slice, tracking position, and fails closed on any
// attempt to read past the end.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte() (byte, bool) {
	if r.pos+1 > len(r.buf) {
		return 0, false
	}
	b := r.buf[r.pos]
	r.pos++
	return b, true
}

func (r *reader) u16() (uint16, bool) {
	if r.pos+2 > len(r.buf) {
		return 0, false
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, true
}

func (r *reader) u32() (uint32, bool) {
	if r.pos+4 > len(r.buf) {
		return 0, false
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, true
}

func (r *reader) string() (string, bool) {
	n, ok := r.u16()
	if !ok {
		return "", false
	}
	if r.pos+int(n) > len(r.buf) {
		return "", false
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, true
}

func (r *reader) bytes(n uint32) ([]byte, bool) {
	if r.pos+int(n) > len(r.buf) {
		return nil, false
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, true
}

// DecodeRequest parses a Request from buf. It returns ErrMalformedFrame
// when buf is too short for a declared length or the type tag is unknown.
func DecodeRequest(buf []byte) (Request, error) {
	r := &reader{buf: buf}
	tag, ok := r.byte()
	if !ok {
		return Request{}, ErrMalformedFrame
	}

	id, ok := r.string()
	if !ok {
		return Request{}, ErrMalformedFrame
	}

	req := Request{Type: tag, ID: id}
	switch tag {
	case ReqConnect:
		ip, ok := r.string()
		if !ok {
			return Request{}, ErrMalformedFrame
		}
		port, ok := r.u16()
		if !ok {
			return Request{}, ErrMalformedFrame
		}
		req.DestIP = ip
		req.DestPort = port
	case ReqData:
		n, ok := r.u32()
		if !ok {
			return Request{}, ErrMalformedFrame
		}
		payload, ok := r.bytes(n)
		if !ok {
			return Request{}, ErrMalformedFrame
		}
		req.Payload = append([]byte(nil), payload...)
	case ReqDisconnect, ReqShutdownWrite:
		// nothing else
	default:
		return Request{}, fmt.Errorf("%w: unknown request tag 0x%02x", ErrMalformedFrame, tag)
	}
	return req, nil
}

// DecodeResponse parses a Response from buf. It returns ErrMalformedFrame
// when buf is too short for a declared length or the type tag is unknown.
func DecodeResponse(buf []byte) (Response, error) {
	r := &reader{buf: buf}
	tag, ok := r.byte()
	if !ok {
		return Response{}, ErrMalformedFrame
	}

	id, ok := r.string()
	if !ok {
		return Response{}, ErrMalformedFrame
	}

	resp := Response{Type: tag, ID: id}
	switch tag {
	case RespData:
		n, ok := r.u32()
		if !ok {
			return Response{}, ErrMalformedFrame
		}
		payload, ok := r.bytes(n)
		if !ok {
			return Response{}, ErrMalformedFrame
		}
		resp.Payload = append([]byte(nil), payload...)
	case RespError:
		msg, ok := r.string()
		if !ok {
			return Response{}, ErrMalformedFrame
		}
		resp.Message = msg
	case RespConnected, RespDisconnected:
		// nothing else
	default:
		return Response{}, fmt.Errorf("%w: unknown response tag 0x%02x", ErrMalformedFrame, tag)
	}
	return resp, nil
}
