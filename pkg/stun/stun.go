// Package stun builds and parses the small subset of RFC 5389 a bridge
// client needs to learn its server-reflexive address: a binding request and
// an XOR-MAPPED-ADDRESS response.
package stun

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	headerSize  = 20
	magicCookie = 0x2112A442

	typeBindingRequest  = 0x0001
	typeBindingResponse = 0x0101

	attrXORMappedAddress = 0x0020

	familyIPv4 = 0x01
)

var (
	ErrTooShort       = errors.New("stun: message shorter than header")
	ErrBadMagicCookie = errors.New("stun: bad magic cookie")
	ErrNotResponse    = errors.New("stun: message is not a binding response")
	ErrNoXORMapped    = errors.New("stun: no XOR-MAPPED-ADDRESS attribute")
	ErrUnsupportedFamily = errors.New("stun: unsupported address family")
)

// Request is a STUN binding request: a 20-byte header with a zero-length
// body and a random transaction ID.
type Request struct {
	TransactionID [12]byte
}

// NewRequest builds a binding request with a fresh random transaction ID.
func NewRequest() (Request, error) {
	var r Request
	if _, err := rand.Read(r.TransactionID[:]); err != nil {
		return Request{}, fmt.Errorf("generate transaction id: %w", err)
	}
	return r, nil
}

// Encode serializes the request to its wire form.
func (r Request) Encode() []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint16(buf[0:2], typeBindingRequest)
	binary.BigEndian.PutUint16(buf[2:4], 0)
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], r.TransactionID[:])
	return buf
}

// ParseBindingResponse extracts the server-reflexive address from a STUN
// binding response. It walks the attribute list looking for
// XOR-MAPPED-ADDRESS (MAPPED-ADDRESS, unused by any server this bridge
// talks to, is not decoded).
func ParseBindingResponse(buf []byte) (netip.AddrPort, error) {
	if len(buf) < headerSize {
		return netip.AddrPort{}, ErrTooShort
	}
	msgType := binary.BigEndian.Uint16(buf[0:2])
	msgLen := binary.BigEndian.Uint16(buf[2:4])
	cookie := binary.BigEndian.Uint32(buf[4:8])
	if cookie != magicCookie {
		return netip.AddrPort{}, ErrBadMagicCookie
	}
	if msgType != typeBindingResponse {
		return netip.AddrPort{}, ErrNotResponse
	}

	end := headerSize + int(msgLen)
	if end > len(buf) {
		end = len(buf)
	}
	attrs := buf[headerSize:end]

	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		attrLen := int(binary.BigEndian.Uint16(attrs[2:4]))
		if 4+attrLen > len(attrs) {
			break
		}
		val := attrs[4 : 4+attrLen]

		if attrType == attrXORMappedAddress {
			return parseXORMappedAddress(val, buf[4:8])
		}

		// attributes are padded to a 4-byte boundary
		advance := 4 + attrLen
		if pad := attrLen % 4; pad != 0 {
			advance += 4 - pad
		}
		attrs = attrs[advance:]
	}
	return netip.AddrPort{}, ErrNoXORMapped
}

func parseXORMappedAddress(val []byte, cookieBytes []byte) (netip.AddrPort, error) {
	if len(val) < 4 {
		return netip.AddrPort{}, ErrTooShort
	}
	family := val[1]
	xport := binary.BigEndian.Uint16(val[2:4])
	port := xport ^ uint16(binary.BigEndian.Uint16(cookieBytes[0:2]))

	if family != familyIPv4 {
		return netip.AddrPort{}, ErrUnsupportedFamily
	}
	if len(val) < 8 {
		return netip.AddrPort{}, ErrTooShort
	}
	var addrBytes [4]byte
	for i := 0; i < 4; i++ {
		addrBytes[i] = val[4+i] ^ cookieBytes[i]
	}
	return netip.AddrPortFrom(netip.AddrFrom4(addrBytes), port), nil
}
