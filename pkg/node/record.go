// Package node holds the per-domain-node records a connection learns about
// from a DomainList and matches inbound UDP datagrams against.
package node

import (
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/nsbridge/vwbridge/pkg/wire"
)

// Record mirrors one NodeRecord entry from a DomainList packet, plus the
// runtime state a connection accumulates for it: the data channel it relays
// to and the UDP socket it was last seen talking from.
type Record struct {
	NodeID           uuid.UUID
	Type             wire.NodeType
	PublicAddr       netip.Addr
	PublicPort       uint16
	LocalAddr        netip.Addr
	LocalPort        uint16
	SessionLocalID   uint16
	Permissions      uint32
	IsReplicated     bool
	ConnectionSecret uuid.UUID

	// ActiveSocket is the address datagrams from this node have actually
	// arrived from (the public or local tuple, whichever answered first).
	// It is netip.AddrPort{} until the node's first datagram is seen.
	ActiveSocket netip.AddrPort

	// DataChannelLabel is the transport data channel this node's relayed
	// traffic flows over.
	DataChannelLabel string

	LastSequenceNumber uint16

	// NegotiatingAudioFormat and NegotiatedAudioFormat track the audio
	// mixer's format handshake, kicked off by a PingReply from the mixer
	// and completed by a SelectedAudioFormat from it. Unused for other
	// node types.
	NegotiatingAudioFormat bool
	NegotiatedAudioFormat  bool
}

// StartNegotiateAudioFormat marks the audio mixer as having begun format
// negotiation, triggered by its first PingReply.
func (r *Record) StartNegotiateAudioFormat() {
	r.NegotiatingAudioFormat = true
}

// SetNegotiatedAudioFormat marks audio format negotiation as finished, on
// receipt of a SelectedAudioFormat from the audio mixer.
func (r *Record) SetNegotiatedAudioFormat(v bool) {
	r.NegotiatedAudioFormat = v
	r.NegotiatingAudioFormat = false
}

// FromWireNode converts a DomainList tuple into a Record, deriving the data
// channel label from its node type.
func FromWireNode(n wire.DomainListNode) Record {
	return Record{
		NodeID:           n.NodeID,
		Type:             n.Type,
		PublicAddr:       n.PublicAddr,
		PublicPort:       n.PublicPort,
		LocalAddr:        n.LocalAddr,
		LocalPort:        n.LocalPort,
		SessionLocalID:   n.SessionLocalID,
		Permissions:      n.Permissions,
		IsReplicated:     n.IsReplicated,
		ConnectionSecret: n.ConnectionSecret,
		DataChannelLabel: DataChannelLabel(n.Type),
	}
}

// DataChannelLabel returns the data channel a node type's traffic is
// relayed over. It panics for a type with no channel, since every
// wire.NodeType in wire.InterestedNodeTypes has one.
func DataChannelLabel(t wire.NodeType) string {
	switch t {
	case wire.NodeTypeAudioMixer:
		return "audio_mixer_dc"
	case wire.NodeTypeAvatarMixer:
		return "avatar_mixer_dc"
	case wire.NodeTypeEntityServer:
		return "entity_server_dc"
	case wire.NodeTypeAssetServer:
		return "asset_server_dc"
	case wire.NodeTypeMessagesMixer:
		return "messages_mixer_dc"
	case wire.NodeTypeEntityScriptServer:
		return "entity_script_server_dc"
	default:
		panic("node: no data channel for type " + t.String())
	}
}

// classificationOrder is the fixed tie-break order used when more than one
// node's public or local socket could match an inbound datagram's sender
// address (an address reused across nodes, or a public/local collision).
// This mirrors the original HifiConnection's node-matching if/else chain
// exactly; it is not configurable.
var classificationOrder = []wire.NodeType{
	wire.NodeTypeAudioMixer,
	wire.NodeTypeAvatarMixer,
	wire.NodeTypeAssetServer,
	wire.NodeTypeMessagesMixer,
	wire.NodeTypeEntityScriptServer,
	wire.NodeTypeEntityServer,
}

// Directory is the set of nodes a connection currently knows about, keyed
// by node type. A domain has at most one node of each type for a given
// client, so type is a sufficient key.
type Directory struct {
	mu    sync.RWMutex
	byType map[wire.NodeType]*Record
}

func NewDirectory() *Directory {
	return &Directory{byType: make(map[wire.NodeType]*Record)}
}

// Put inserts or replaces the record for its type.
func (d *Directory) Put(r Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := r
	d.byType[r.Type] = &rec
}

// Get returns the record for t, if any.
func (d *Directory) Get(t wire.NodeType) (*Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byType[t]
	return r, ok
}

// All returns every known record, in classificationOrder.
func (d *Directory) All() []*Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Record, 0, len(d.byType))
	for _, t := range classificationOrder {
		if r, ok := d.byType[t]; ok {
			out = append(out, r)
		}
	}
	return out
}

// MatchSender finds the node whose public or local socket equals sender,
// breaking ties with classificationOrder when (pathologically) more than
// one record shares the address. It also records sender as the node's
// ActiveSocket for use by future sends.
func (d *Directory) MatchSender(sender netip.AddrPort) (*Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range classificationOrder {
		r, ok := d.byType[t]
		if !ok {
			continue
		}
		if addrPortEqual(r.PublicAddr, r.PublicPort, sender) || addrPortEqual(r.LocalAddr, r.LocalPort, sender) {
			r.ActiveSocket = sender
			return r, true
		}
	}
	return nil, false
}

func addrPortEqual(addr netip.Addr, port uint16, sender netip.AddrPort) bool {
	return addr.IsValid() && addr == sender.Addr() && port == sender.Port()
}
