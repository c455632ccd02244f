package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

// headerSize is the on-wire size of a framed domain packet's header: one
// byte of packet type followed by a little-endian 16-bit sequence number.
const headerSize = 1 + 2

var (
	ErrShortPacket  = errors.New("wire: packet shorter than header")
	ErrShortRead    = errors.New("wire: read past end of packet body")
	ErrStringTooBig = errors.New("wire: string exceeds uint16 length prefix")
)

// Packet is a framed domain packet, either being built for transmission
// (Create) or having been parsed off the wire (FromReceived). The two modes
// are mutually exclusive: a created packet is written to with the WriteX
// methods, a received one is consumed with the ReadX methods.
type Packet struct {
	typ PacketType
	seq uint16

	w *bytes.Buffer // non-nil in create mode

	body []byte // in parse mode, the body bytes (header stripped)
	r    int    // in parse mode, read cursor into body

	sender netip.AddrPort
}

// Create starts a new outbound packet of the given type and sequence number.
// bodyCapacity is a hint for the body buffer's initial capacity; it does not
// limit the final size.
func Create(seq uint16, typ PacketType, bodyCapacity int) *Packet {
	if bodyCapacity < 0 {
		bodyCapacity = 0
	}
	buf := bytes.NewBuffer(make([]byte, 0, bodyCapacity))
	return &Packet{typ: typ, seq: seq, w: buf}
}

// FromReceived parses a datagram received from sender into a Packet. It
// validates only that the header is present; the body is not otherwise
// interpreted until the caller reads fields from it.
func FromReceived(buf []byte, sender netip.AddrPort) (*Packet, error) {
	if len(buf) < headerSize {
		return nil, ErrShortPacket
	}
	return &Packet{
		typ:    PacketType(buf[0]),
		seq:    binary.LittleEndian.Uint16(buf[1:3]),
		body:   buf[headerSize:],
		sender: sender,
	}, nil
}

// Type returns the packet's type.
func (p *Packet) Type() PacketType { return p.typ }

// SequenceNumber returns the packet's sequence number.
func (p *Packet) SequenceNumber() uint16 { return p.seq }

// Sender returns the address the packet was received from. It is the zero
// value for packets built with Create.
func (p *Packet) Sender() netip.AddrPort { return p.sender }

// Encode serializes a packet built with Create into its wire form: header
// followed by everything written to it so far.
func (p *Packet) Encode() []byte {
	if p.w == nil {
		panic("wire: Encode called on a received packet")
	}
	out := make([]byte, headerSize, headerSize+p.w.Len())
	out[0] = byte(p.typ)
	binary.LittleEndian.PutUint16(out[1:3], p.seq)
	return append(out, p.w.Bytes()...)
}

// BodyLen returns the number of body bytes in a received packet.
func (p *Packet) BodyLen() int { return len(p.body) }

// Remaining returns the number of unread body bytes in a received packet.
func (p *Packet) Remaining() int { return len(p.body) - p.r }

// --- write side ---

func (p *Packet) WriteUint8(v uint8) *Packet {
	p.w.WriteByte(v)
	return p
}

func (p *Packet) WriteUint16(v uint16) *Packet {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	p.w.Write(b[:])
	return p
}

func (p *Packet) WriteUint32(v uint32) *Packet {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	p.w.Write(b[:])
	return p
}

func (p *Packet) WriteBool(v bool) *Packet {
	if v {
		return p.WriteUint8(1)
	}
	return p.WriteUint8(0)
}

func (p *Packet) WriteBytes(b []byte) *Packet {
	p.w.Write(b)
	return p
}

// WriteString writes s as a 16-bit little-endian length prefix followed by
// its UTF-8 bytes (used for place_name).
func (p *Packet) WriteString(s string) *Packet {
	if len(s) > 0xFFFF {
		panic(ErrStringTooBig)
	}
	p.WriteUint16(uint16(len(s)))
	p.w.WriteString(s)
	return p
}

func (p *Packet) WriteUUID(id uuid.UUID) *Packet {
	p.w.Write(id[:])
	return p
}

// WriteIPv4Port writes a 4-byte IPv4 address (the zero address if addr is
// not valid) followed by a 16-bit little-endian port.
func (p *Packet) WriteIPv4Port(addr netip.Addr, port uint16) *Packet {
	var b4 [4]byte
	if addr.Is4() {
		b4 = addr.As4()
	} else if addr.Is4In6() {
		b4 = addr.As4()
	}
	p.w.Write(b4[:])
	return p.WriteUint16(port)
}

// WriteNodeTypeList writes a count-prefixed (u16) list of node types, one
// byte each.
func (p *Packet) WriteNodeTypeList(types []NodeType) *Packet {
	p.WriteUint16(uint16(len(types)))
	for _, t := range types {
		p.WriteUint8(uint8(t))
	}
	return p
}

// --- read side ---

func (p *Packet) readN(n int) ([]byte, error) {
	if p.r+n > len(p.body) {
		return nil, ErrShortRead
	}
	b := p.body[p.r : p.r+n]
	p.r += n
	return b, nil
}

// ReadBytes reads and returns a copy of the next n body bytes.
func (p *Packet) ReadBytes(n int) ([]byte, error) {
	b, err := p.readN(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (p *Packet) ReadUint8() (uint8, error) {
	b, err := p.readN(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (p *Packet) ReadUint16() (uint16, error) {
	b, err := p.readN(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (p *Packet) ReadUint32() (uint32, error) {
	b, err := p.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (p *Packet) ReadBool() (bool, error) {
	v, err := p.ReadUint8()
	return v != 0, err
}

// ReadString reads a 16-bit length-prefixed UTF-8 string.
func (p *Packet) ReadString() (string, error) {
	n, err := p.ReadUint16()
	if err != nil {
		return "", err
	}
	b, err := p.readN(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (p *Packet) ReadUUID() (uuid.UUID, error) {
	b, err := p.readN(16)
	if err != nil {
		return uuid.UUID{}, err
	}
	var id uuid.UUID
	copy(id[:], b)
	return id, nil
}

// ReadIPv4Port reads a 4-byte IPv4 address (the invalid/zero Addr if all
// zero bytes) followed by a 16-bit little-endian port.
func (p *Packet) ReadIPv4Port() (netip.Addr, uint16, error) {
	b, err := p.readN(4)
	if err != nil {
		return netip.Addr{}, 0, err
	}
	var b4 [4]byte
	copy(b4[:], b)
	port, err := p.ReadUint16()
	if err != nil {
		return netip.Addr{}, 0, err
	}
	if b4 == ([4]byte{}) {
		return netip.Addr{}, port, nil
	}
	return netip.AddrFrom4(b4), port, nil
}

func (p *Packet) ReadNodeTypeList() ([]NodeType, error) {
	n, err := p.ReadUint16()
	if err != nil {
		return nil, err
	}
	out := make([]NodeType, n)
	for i := range out {
		v, err := p.ReadUint8()
		if err != nil {
			return nil, err
		}
		out[i] = NodeType(v)
	}
	return out, nil
}

// String implements fmt.Stringer for debug logging.
func (p *Packet) String() string {
	if p.w != nil {
		return fmt.Sprintf("wire.Packet{type=%s seq=%d len=%d (unsent)}", p.typ, p.seq, p.w.Len())
	}
	return fmt.Sprintf("wire.Packet{type=%s seq=%d len=%d from=%s}", p.typ, p.seq, len(p.body), p.sender)
}
