package stun

import (
	"encoding/binary"
	"net/netip"
	"testing"
)

func buildBindingResponse(txID [12]byte, addr netip.Addr, port uint16) []byte {
	a4 := addr.As4()
	attrVal := make([]byte, 8)
	attrVal[0] = 0
	attrVal[1] = familyIPv4
	var cookieBytes [4]byte
	binary.BigEndian.PutUint32(cookieBytes[:], magicCookie)
	xport := port ^ binary.BigEndian.Uint16(cookieBytes[0:2])
	binary.BigEndian.PutUint16(attrVal[2:4], xport)
	for i := 0; i < 4; i++ {
		attrVal[4+i] = a4[i] ^ cookieBytes[i]
	}

	attr := make([]byte, 4+len(attrVal))
	binary.BigEndian.PutUint16(attr[0:2], attrXORMappedAddress)
	binary.BigEndian.PutUint16(attr[2:4], uint16(len(attrVal)))
	copy(attr[4:], attrVal)

	buf := make([]byte, headerSize+len(attr))
	binary.BigEndian.PutUint16(buf[0:2], typeBindingResponse)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(attr)))
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], txID[:])
	copy(buf[20:], attr)
	return buf
}

func TestRequestEncode(t *testing.T) {
	req, err := NewRequest()
	if err != nil {
		t.Fatal(err)
	}
	buf := req.Encode()
	if len(buf) != headerSize {
		t.Fatalf("len = %d, want %d", len(buf), headerSize)
	}
	if binary.BigEndian.Uint16(buf[0:2]) != typeBindingRequest {
		t.Fatalf("message type = %#x, want binding request", binary.BigEndian.Uint16(buf[0:2]))
	}
	if binary.BigEndian.Uint32(buf[4:8]) != magicCookie {
		t.Fatalf("magic cookie mismatch")
	}
	if string(buf[8:20]) != string(req.TransactionID[:]) {
		t.Fatalf("transaction id mismatch")
	}
}

func TestParseBindingResponse(t *testing.T) {
	req, _ := NewRequest()
	want := netip.MustParseAddr("203.0.113.55")
	buf := buildBindingResponse(req.TransactionID, want, 54321)

	got, err := ParseBindingResponse(buf)
	if err != nil {
		t.Fatalf("ParseBindingResponse: %v", err)
	}
	if got.Addr() != want || got.Port() != 54321 {
		t.Fatalf("got %v, want %v:54321", got, want)
	}
}

func TestParseBindingResponseBadCookie(t *testing.T) {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint16(buf[0:2], typeBindingResponse)
	binary.BigEndian.PutUint32(buf[4:8], 0xdeadbeef)
	if _, err := ParseBindingResponse(buf); err != ErrBadMagicCookie {
		t.Fatalf("err = %v, want ErrBadMagicCookie", err)
	}
}

func TestParseBindingResponseTooShort(t *testing.T) {
	if _, err := ParseBindingResponse([]byte{1, 2, 3}); err != ErrTooShort {
		t.Fatalf("err = %v, want ErrTooShort", err)
	}
}

func TestParseBindingResponseNoAttr(t *testing.T) {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint16(buf[0:2], typeBindingResponse)
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	if _, err := ParseBindingResponse(buf); err != ErrNoXORMapped {
		t.Fatalf("err = %v, want ErrNoXORMapped", err)
	}
}
