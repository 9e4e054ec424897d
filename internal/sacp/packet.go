// Package sacp implements the binary SACP protocol spoken by newer machines
// over TCP port 8888: packet framing, a background packet router matching
// replies to pending sequences, and a transport adapter on top.
package sacp

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Port is the TCP port the machine listens on for SACP.
const Port = 8888

// Frame constants.
const (
	sofHigh = 0xAA
	sofLow  = 0x55

	version = 0x01

	// Fixed header: sof(2) len(2) version(1) receiver(1) headChecksum(1)
	// sender(1) attribute(1) sequence(2) commandSet(1) commandID(1)
	headerLen = 13

	// Addresses on the wire.
	AddrController = 0x01
	AddrHost       = 0x02

	AttrRequest = 0
	AttrAck     = 1
)

// Packet is one decoded SACP frame.
type Packet struct {
	Receiver   byte
	Sender     byte
	Attribute  byte
	Sequence   uint16
	CommandSet byte
	CommandID  byte
	Data       []byte
}

// headChecksum covers the first six header bytes.
func headChecksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return ^sum
}

// dataChecksum is a 16-bit ones-complement sum over the payload region
// (everything after the head checksum).
func dataChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return ^uint16(sum) & 0xFFFF
}

// Encode serializes the packet into wire bytes.
func (p *Packet) Encode() []byte {
	dataRegion := make([]byte, 0, 8+len(p.Data))
	dataRegion = append(dataRegion, p.Sender, p.Attribute)
	dataRegion = binary.LittleEndian.AppendUint16(dataRegion, p.Sequence)
	dataRegion = append(dataRegion, p.CommandSet, p.CommandID)
	dataRegion = append(dataRegion, p.Data...)

	// Length counts version, receiver, head checksum, the data region and
	// the trailing 16-bit checksum.
	length := uint16(len(dataRegion) + 5)
	buf := make([]byte, 0, headerLen+len(p.Data)+2)
	buf = append(buf, sofHigh, sofLow)
	buf = binary.LittleEndian.AppendUint16(buf, length)
	buf = append(buf, version, p.Receiver)
	buf = append(buf, headChecksum(buf))
	buf = append(buf, dataRegion...)
	buf = binary.LittleEndian.AppendUint16(buf, dataChecksum(dataRegion))
	return buf
}

// Read decodes one packet from the connection, honoring the deadline.
func Read(conn net.Conn, timeout time.Duration) (*Packet, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	head := make([]byte, 7)
	if _, err := io.ReadFull(conn, head); err != nil {
		return nil, err
	}
	if head[0] != sofHigh || head[1] != sofLow {
		return nil, fmt.Errorf("bad start of frame %02x %02x", head[0], head[1])
	}
	if head[4] != version {
		return nil, fmt.Errorf("unsupported protocol version %d", head[4])
	}
	if headChecksum(head[:6]) != head[6] {
		return nil, fmt.Errorf("header checksum mismatch")
	}

	length := binary.LittleEndian.Uint16(head[2:4])
	if length < 11 {
		return nil, fmt.Errorf("frame length %d too small", length)
	}
	rest := make([]byte, int(length)-3)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, err
	}

	region := rest[:len(rest)-2]
	wire := binary.LittleEndian.Uint16(rest[len(rest)-2:])
	if dataChecksum(region) != wire {
		return nil, fmt.Errorf("data checksum mismatch")
	}

	return &Packet{
		Receiver:   head[5],
		Sender:     region[0],
		Attribute:  region[1],
		Sequence:   binary.LittleEndian.Uint16(region[2:4]),
		CommandSet: region[4],
		CommandID:  region[5],
		Data:       region[6:],
	}, nil
}

// Decode parses a full frame from a byte slice. Used by tests and by the
// discovery reply path.
func Decode(b []byte) (*Packet, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("frame too short: %d bytes", len(b))
	}
	conn := &sliceConn{data: b}
	return Read(conn, time.Second)
}

// sliceConn adapts a byte slice to the small part of net.Conn Read needs.
type sliceConn struct {
	net.Conn
	data []byte
	pos  int
}

func (s *sliceConn) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}

func (s *sliceConn) SetReadDeadline(time.Time) error { return nil }
