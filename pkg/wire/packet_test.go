package wire

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"
)

func TestPacketPrimitivesRoundTrip(t *testing.T) {
	p := Create(42, PacketTypePing, 0)
	p.WriteUint8(0xAB)
	p.WriteUint16(0x1234)
	p.WriteUint32(0xDEADBEEF)
	p.WriteBool(true)
	p.WriteBool(false)
	p.WriteString("hello")
	id := uuid.New()
	p.WriteUUID(id)
	addr := netip.MustParseAddr("192.168.1.42")
	p.WriteIPv4Port(addr, 7777)
	p.WriteNodeTypeList([]NodeType{NodeTypeAudioMixer, NodeTypeAssetServer})

	buf := p.Encode()

	r, err := FromReceived(buf, netip.MustParseAddrPort("10.0.0.1:9"))
	if err != nil {
		t.Fatalf("FromReceived: %v", err)
	}
	if r.Type() != PacketTypePing {
		t.Fatalf("Type() = %v, want Ping", r.Type())
	}
	if r.SequenceNumber() != 42 {
		t.Fatalf("SequenceNumber() = %d, want 42", r.SequenceNumber())
	}

	if v, err := r.ReadUint8(); err != nil || v != 0xAB {
		t.Fatalf("ReadUint8() = %v, %v", v, err)
	}
	if v, err := r.ReadUint16(); err != nil || v != 0x1234 {
		t.Fatalf("ReadUint16() = %v, %v", v, err)
	}
	if v, err := r.ReadUint32(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("ReadUint32() = %v, %v", v, err)
	}
	if v, err := r.ReadBool(); err != nil || v != true {
		t.Fatalf("ReadBool() = %v, %v", v, err)
	}
	if v, err := r.ReadBool(); err != nil || v != false {
		t.Fatalf("ReadBool() #2 = %v, %v", v, err)
	}
	if s, err := r.ReadString(); err != nil || s != "hello" {
		t.Fatalf("ReadString() = %q, %v", s, err)
	}
	if got, err := r.ReadUUID(); err != nil || got != id {
		t.Fatalf("ReadUUID() = %v, %v", got, err)
	}
	if gotAddr, gotPort, err := r.ReadIPv4Port(); err != nil || gotAddr != addr || gotPort != 7777 {
		t.Fatalf("ReadIPv4Port() = %v, %v, %v", gotAddr, gotPort, err)
	}
	if types, err := r.ReadNodeTypeList(); err != nil ||
		len(types) != 2 || types[0] != NodeTypeAudioMixer || types[1] != NodeTypeAssetServer {
		t.Fatalf("ReadNodeTypeList() = %v, %v", types, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0", r.Remaining())
	}
}

func TestFromReceivedShortPacket(t *testing.T) {
	_, err := FromReceived([]byte{1, 2}, netip.AddrPort{})
	if err != ErrShortPacket {
		t.Fatalf("err = %v, want ErrShortPacket", err)
	}
}

func TestReadPastEndReturnsErrShortRead(t *testing.T) {
	p := Create(1, PacketTypePing, 0)
	p.WriteUint8(1)
	r, err := FromReceived(p.Encode(), netip.AddrPort{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ReadUint8(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ReadUint8(); err != ErrShortRead {
		t.Fatalf("err = %v, want ErrShortRead", err)
	}
}

func TestWriteIPv4PortZeroAddr(t *testing.T) {
	p := Create(1, PacketTypePing, 0)
	p.WriteIPv4Port(netip.Addr{}, 1234)
	r, err := FromReceived(p.Encode(), netip.AddrPort{})
	if err != nil {
		t.Fatal(err)
	}
	addr, port, err := r.ReadIPv4Port()
	if err != nil {
		t.Fatal(err)
	}
	if addr.IsValid() {
		t.Fatalf("addr = %v, want invalid/zero", addr)
	}
	if port != 1234 {
		t.Fatalf("port = %d, want 1234", port)
	}
}

func TestDomainConnectRequestRoundTrip(t *testing.T) {
	req := DomainConnectRequest{
		ClientID:                 uuid.New(),
		ProtocolVersionSignature: []byte{1, 2, 3, 4},
		HardwareAddr:             []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
		MachineFingerprint:       uuid.New(),
		OwnerType:                OwnerTypeAgent,
		PublicAddr:               netip.MustParseAddr("203.0.113.7"),
		PublicPort:               51820,
		LocalAddr:                netip.MustParseAddr("192.168.0.5"),
		LocalPort:                6060,
		InterestedNodeTypes:      InterestedNodeTypes,
		PlaceName:                "welcome",
	}
	p := EncodeDomainConnectRequest(1, req)
	r, err := FromReceived(p.Encode(), netip.AddrPort{})
	if err != nil {
		t.Fatal(err)
	}

	gotID, _ := r.ReadUUID()
	if gotID != req.ClientID {
		t.Fatalf("ClientID = %v, want %v", gotID, req.ClientID)
	}
	sigLen, _ := r.ReadUint16()
	sig, _ := r.ReadBytes(int(sigLen))
	if string(sig) != string(req.ProtocolVersionSignature) {
		t.Fatalf("ProtocolVersionSignature = %v, want %v", sig, req.ProtocolVersionSignature)
	}
	hwLen, _ := r.ReadUint16()
	hw, _ := r.ReadBytes(int(hwLen))
	if string(hw) != string(req.HardwareAddr) {
		t.Fatalf("HardwareAddr = %v, want %v", hw, req.HardwareAddr)
	}
	fp, _ := r.ReadUUID()
	if fp != req.MachineFingerprint {
		t.Fatalf("MachineFingerprint = %v, want %v", fp, req.MachineFingerprint)
	}
	ownerVal, _ := r.ReadUint8()
	if OwnerType(ownerVal) != req.OwnerType {
		t.Fatalf("OwnerType = %v, want %v", ownerVal, req.OwnerType)
	}
	pubAddr, pubPort, _ := r.ReadIPv4Port()
	if pubAddr != req.PublicAddr || pubPort != req.PublicPort {
		t.Fatalf("public = %v:%d, want %v:%d", pubAddr, pubPort, req.PublicAddr, req.PublicPort)
	}
	locAddr, locPort, _ := r.ReadIPv4Port()
	if locAddr != req.LocalAddr || locPort != req.LocalPort {
		t.Fatalf("local = %v:%d, want %v:%d", locAddr, locPort, req.LocalAddr, req.LocalPort)
	}
	types, _ := r.ReadNodeTypeList()
	if len(types) != len(req.InterestedNodeTypes) {
		t.Fatalf("InterestedNodeTypes = %v, want %v", types, req.InterestedNodeTypes)
	}
	placeName, _ := r.ReadString()
	if placeName != req.PlaceName {
		t.Fatalf("PlaceName = %q, want %q", placeName, req.PlaceName)
	}
	if r.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0", r.Remaining())
	}
}

func TestDomainListRoundTrip(t *testing.T) {
	domainID := uuid.New()
	sessionID := uuid.New()
	node := DomainListNode{
		Type:             NodeTypeAudioMixer,
		NodeID:           uuid.New(),
		PublicAddr:       netip.MustParseAddr("198.51.100.9"),
		PublicPort:       40102,
		LocalAddr:        netip.MustParseAddr("10.1.2.3"),
		LocalPort:        40103,
		Permissions:      7,
		IsReplicated:     false,
		SessionLocalID:   3,
		ConnectionSecret: uuid.New(),
	}

	p := Create(5, PacketTypeDomainList, 0)
	p.WriteUUID(domainID)
	p.WriteUint16(1)
	p.WriteUUID(sessionID)
	p.WriteUint16(2)
	p.WriteUint32(99)
	p.WriteBool(true)
	p.WriteUint8(uint8(node.Type))
	p.WriteUUID(node.NodeID)
	p.WriteIPv4Port(node.PublicAddr, node.PublicPort)
	p.WriteIPv4Port(node.LocalAddr, node.LocalPort)
	p.WriteUint32(node.Permissions)
	p.WriteBool(node.IsReplicated)
	p.WriteUint16(node.SessionLocalID)
	p.WriteUUID(node.ConnectionSecret)

	r, err := FromReceived(p.Encode(), netip.AddrPort{})
	if err != nil {
		t.Fatal(err)
	}
	d, err := DecodeDomainList(r)
	if err != nil {
		t.Fatalf("DecodeDomainList: %v", err)
	}
	if d.DomainID != domainID || d.SessionID != sessionID {
		t.Fatalf("ids mismatch: %+v", d)
	}
	if !d.IsAuthenticated {
		t.Fatalf("IsAuthenticated = false, want true")
	}
	if len(d.Nodes) != 1 {
		t.Fatalf("len(Nodes) = %d, want 1", len(d.Nodes))
	}
	if d.Nodes[0] != node {
		t.Fatalf("Nodes[0] = %+v, want %+v", d.Nodes[0], node)
	}
}

func TestDecodeDomainListTrailingPartialTupleIgnored(t *testing.T) {
	p := Create(5, PacketTypeDomainList, 0)
	p.WriteUUID(uuid.New())
	p.WriteUint16(0)
	p.WriteUUID(uuid.New())
	p.WriteUint16(0)
	p.WriteUint32(0)
	p.WriteBool(false)
	p.WriteUint8(uint8(NodeTypeAudioMixer))

	r, err := FromReceived(p.Encode(), netip.AddrPort{})
	if err != nil {
		t.Fatal(err)
	}
	d, err := DecodeDomainList(r)
	if err != nil {
		t.Fatalf("DecodeDomainList() err = %v, want nil for a truncated trailing tuple", err)
	}
	if len(d.Nodes) != 0 {
		t.Fatalf("len(Nodes) = %d, want 0 (no complete tuple)", len(d.Nodes))
	}
}
