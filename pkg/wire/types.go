// Package wire implements the framed domain-packet codec used to talk to a
// virtual-world domain and its nodes, plus the node and owner type
// enumerations carried in that wire format.
package wire

// PacketType identifies the body layout of a framed domain packet. Types not
// named here are still valid on the wire (and are relayed as opaque bytes by
// higher layers); only the subset the core must decode gets a constant.
type PacketType uint8

const (
	PacketTypeICEServerQuery        PacketType = 1
	PacketTypeICEPing               PacketType = 2
	PacketTypeICEPingReply          PacketType = 3
	PacketTypeDomainConnectRequest  PacketType = 4
	PacketTypeDomainList            PacketType = 5
	PacketTypeDomainConnectionDenied PacketType = 6
	PacketTypePing                  PacketType = 7
	PacketTypePingReply             PacketType = 8
	PacketTypeSelectedAudioFormat   PacketType = 9
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeICEServerQuery:
		return "ICEServerQuery"
	case PacketTypeICEPing:
		return "ICEPing"
	case PacketTypeICEPingReply:
		return "ICEPingReply"
	case PacketTypeDomainConnectRequest:
		return "DomainConnectRequest"
	case PacketTypeDomainList:
		return "DomainList"
	case PacketTypeDomainConnectionDenied:
		return "DomainConnectionDenied"
	case PacketTypePing:
		return "Ping"
	case PacketTypePingReply:
		return "PingReply"
	case PacketTypeSelectedAudioFormat:
		return "SelectedAudioFormat"
	default:
		return "Opaque"
	}
}

// NodeType identifies a domain service. The zero value is not a valid node
// type.
type NodeType uint8

const (
	NodeTypeAudioMixer NodeType = 1 + iota
	NodeTypeAvatarMixer
	NodeTypeEntityServer
	NodeTypeAssetServer
	NodeTypeMessagesMixer
	NodeTypeEntityScriptServer
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeAudioMixer:
		return "AudioMixer"
	case NodeTypeAvatarMixer:
		return "AvatarMixer"
	case NodeTypeEntityServer:
		return "EntityServer"
	case NodeTypeAssetServer:
		return "AssetServer"
	case NodeTypeMessagesMixer:
		return "MessagesMixer"
	case NodeTypeEntityScriptServer:
		return "EntityScriptServer"
	default:
		return "Unknown"
	}
}

// InterestedNodeTypes is the fixed set of node types a client is interested
// in, sent in DomainConnectRequest and used to decide which DomainList
// entries to keep.
var InterestedNodeTypes = []NodeType{
	NodeTypeAudioMixer,
	NodeTypeAvatarMixer,
	NodeTypeEntityServer,
	NodeTypeAssetServer,
	NodeTypeMessagesMixer,
	NodeTypeEntityScriptServer,
}

// Interested reports whether t is in InterestedNodeTypes.
func Interested(t NodeType) bool {
	for _, x := range InterestedNodeTypes {
		if x == t {
			return true
		}
	}
	return false
}

// OwnerType identifies the kind of session a client presents as.
type OwnerType uint8

// OwnerTypeAgent is the only owner type a browser bridge client ever
// presents as.
const OwnerTypeAgent OwnerType = 1

// PingType selects which socket of a node pair an ICEPing/ICEPingReply
// targets.
type PingType uint8

const (
	PingTypeLocal  PingType = 1
	PingTypePublic PingType = 2
)
