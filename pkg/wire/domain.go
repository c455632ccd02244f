package wire

import (
	"net/netip"

	"github.com/google/uuid"
)

// ICEServerQuery is the body of a PacketTypeICEServerQuery packet (§4.A).
type ICEServerQuery struct {
	ClientID   uuid.UUID
	PublicAddr netip.Addr
	PublicPort uint16
	LocalAddr  netip.Addr
	LocalPort  uint16
	DomainID   uuid.UUID
}

// EncodeICEServerQuery builds a framed ICEServerQuery packet.
func EncodeICEServerQuery(seq uint16, q ICEServerQuery) *Packet {
	p := Create(seq, PacketTypeICEServerQuery, 16+4+2+4+2+16)
	p.WriteUUID(q.ClientID)
	p.WriteIPv4Port(q.PublicAddr, q.PublicPort)
	p.WriteIPv4Port(q.LocalAddr, q.LocalPort)
	p.WriteUUID(q.DomainID)
	return p
}

// ICERendezvousResponse is the body the ICE rendezvous server replies with:
// the domain's id and its public/local UDP sockets.
type ICERendezvousResponse struct {
	DomainID         uuid.UUID
	DomainPublicAddr netip.Addr
	DomainPublicPort uint16
	DomainLocalAddr  netip.Addr
	DomainLocalPort  uint16
}

// DecodeICERendezvousResponse reads an ICERendezvousResponse body. Per §4.F,
// the ICE phase does not check the received packet's type field before
// parsing it this way — any datagram arriving during the ICE phase is
// assumed to carry this body.
func DecodeICERendezvousResponse(p *Packet) (ICERendezvousResponse, error) {
	var r ICERendezvousResponse
	var err error
	if r.DomainID, err = p.ReadUUID(); err != nil {
		return r, err
	}
	if r.DomainPublicAddr, r.DomainPublicPort, err = p.ReadIPv4Port(); err != nil {
		return r, err
	}
	if r.DomainLocalAddr, r.DomainLocalPort, err = p.ReadIPv4Port(); err != nil {
		return r, err
	}
	return r, nil
}

// ICEPingBody is the body of ICEPing/ICEPingReply packets.
type ICEPingBody struct {
	ClientID uuid.UUID
	PingType PingType
}

func EncodeICEPing(seq uint16, typ PacketType, b ICEPingBody) *Packet {
	p := Create(seq, typ, 16+1)
	p.WriteUUID(b.ClientID)
	p.WriteUint8(uint8(b.PingType))
	return p
}

func DecodeICEPing(p *Packet) (ICEPingBody, error) {
	var b ICEPingBody
	var err error
	if b.ClientID, err = p.ReadUUID(); err != nil {
		return b, err
	}
	v, err := p.ReadUint8()
	if err != nil {
		return b, err
	}
	b.PingType = PingType(v)
	return b, nil
}

// DomainConnectRequest is the body of a PacketTypeDomainConnectRequest
// packet.
type DomainConnectRequest struct {
	ClientID                uuid.UUID
	ProtocolVersionSignature []byte
	HardwareAddr            []byte
	MachineFingerprint      uuid.UUID
	OwnerType               OwnerType
	PublicAddr              netip.Addr
	PublicPort              uint16
	LocalAddr               netip.Addr
	LocalPort               uint16
	InterestedNodeTypes     []NodeType
	PlaceName               string
}

func EncodeDomainConnectRequest(seq uint16, r DomainConnectRequest) *Packet {
	p := Create(seq, PacketTypeDomainConnectRequest, 128)
	p.WriteUUID(r.ClientID)
	p.WriteUint16(uint16(len(r.ProtocolVersionSignature)))
	p.WriteBytes(r.ProtocolVersionSignature)
	p.WriteUint16(uint16(len(r.HardwareAddr)))
	p.WriteBytes(r.HardwareAddr)
	p.WriteUUID(r.MachineFingerprint)
	p.WriteUint8(uint8(r.OwnerType))
	p.WriteIPv4Port(r.PublicAddr, r.PublicPort)
	p.WriteIPv4Port(r.LocalAddr, r.LocalPort)
	p.WriteNodeTypeList(r.InterestedNodeTypes)
	p.WriteString(r.PlaceName)
	return p
}

// DomainListNode is one NodeRecord tuple inside a DomainList body.
type DomainListNode struct {
	Type             NodeType
	NodeID           uuid.UUID
	PublicAddr       netip.Addr
	PublicPort       uint16
	LocalAddr        netip.Addr
	LocalPort        uint16
	Permissions      uint32
	IsReplicated     bool
	SessionLocalID   uint16
	ConnectionSecret uuid.UUID
}

// DomainList is the body of a PacketTypeDomainList packet.
type DomainList struct {
	DomainID      uuid.UUID
	DomainLocalID uint16
	SessionID     uuid.UUID
	LocalID       uint16
	Permissions   uint32
	IsAuthenticated bool
	Nodes         []DomainListNode
}

// nodeTupleSize is the encoded size of one DomainListNode tuple: type(1) +
// NodeID(16) + public addr/port(6) + local addr/port(6) + permissions(4) +
// isReplicated(1) + sessionLocalID(2) + connectionSecret(16).
const nodeTupleSize = 1 + 16 + 6 + 6 + 4 + 1 + 2 + 16

// DecodeDomainList parses a DomainList body, consuming the header fields
// before repeatedly parsing NodeRecord tuples. Per §8, a body whose trailing
// bytes don't form a complete tuple yields the floor(remaining/tupleSize)
// records it could parse rather than failing the whole list.
func DecodeDomainList(p *Packet) (DomainList, error) {
	var d DomainList
	var err error

	if d.DomainID, err = p.ReadUUID(); err != nil {
		return d, err
	}
	if d.DomainLocalID, err = p.ReadUint16(); err != nil {
		return d, err
	}
	if d.SessionID, err = p.ReadUUID(); err != nil {
		return d, err
	}
	if d.LocalID, err = p.ReadUint16(); err != nil {
		return d, err
	}
	if d.Permissions, err = p.ReadUint32(); err != nil {
		return d, err
	}
	if d.IsAuthenticated, err = p.ReadBool(); err != nil {
		return d, err
	}

	for p.Remaining() >= nodeTupleSize {
		n, err := decodeDomainListNode(p)
		if err != nil {
			return d, err
		}
		d.Nodes = append(d.Nodes, n)
	}
	return d, nil
}

func decodeDomainListNode(p *Packet) (DomainListNode, error) {
	var n DomainListNode
	var err error

	v, err := p.ReadUint8()
	if err != nil {
		return n, err
	}
	n.Type = NodeType(v)

	if n.NodeID, err = p.ReadUUID(); err != nil {
		return n, err
	}
	if n.PublicAddr, n.PublicPort, err = p.ReadIPv4Port(); err != nil {
		return n, err
	}
	if n.LocalAddr, n.LocalPort, err = p.ReadIPv4Port(); err != nil {
		return n, err
	}
	if n.Permissions, err = p.ReadUint32(); err != nil {
		return n, err
	}
	if n.IsReplicated, err = p.ReadBool(); err != nil {
		return n, err
	}
	if n.SessionLocalID, err = p.ReadUint16(); err != nil {
		return n, err
	}
	if n.ConnectionSecret, err = p.ReadUUID(); err != nil {
		return n, err
	}
	return n, nil
}

// DomainConnectionDenied is the body of a PacketTypeDomainConnectionDenied
// packet. The optional UTF-8 reason string is not required by the core
// (§4.A) and is not decoded here.
type DomainConnectionDenied struct {
	ReasonCode uint8
}

func DecodeDomainConnectionDenied(p *Packet) (DomainConnectionDenied, error) {
	v, err := p.ReadUint8()
	return DomainConnectionDenied{ReasonCode: v}, err
}

// EncodePingReply builds an empty-body PingReply packet, sent back to a
// node in response to its Ping (§4.G). Neither Ping nor PingReply carries a
// specified body beyond the packet header.
func EncodePingReply(seq uint16) *Packet {
	return Create(seq, PacketTypePingReply, 0)
}
