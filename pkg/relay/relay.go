// Package relay implements the steady-state packet dispatch once a
// connection reaches DOMAIN_CONNECTED: matching inbound domain datagrams to
// the node that sent them and forwarding them to that node's data channel,
// and the reverse direction from data channel to domain socket.
package relay

import (
	"fmt"
	"net/netip"

	"github.com/rs/zerolog"

	"github.com/nsbridge/vwbridge/pkg/node"
	"github.com/nsbridge/vwbridge/pkg/wire"
)

// Sink is the minimal surface relay needs to deliver bytes to the browser
// side of a connection: one data channel per label.
type Sink interface {
	SendToChannel(label string, b []byte) error
}

// Sender transmits a raw UDP datagram to a domain socket.
type Sender interface {
	SendUDP(addr netip.AddrPort, b []byte) error
}

// Dispatcher routes domain <-> browser traffic for one connection once its
// Directory is populated.
type Dispatcher struct {
	Directory *node.Directory
	Sink      Sink
	Sender    Sender
	Logger    zerolog.Logger

	replySeq uint16
}

// nextReplySeq returns the sequence number for the next packet the
// dispatcher originates itself toward a node (currently only PingReply).
// Connections run a single-threaded event loop, so this needs no locking.
func (d *Dispatcher) nextReplySeq() uint16 {
	d.replySeq++
	return d.replySeq
}

// HandleDomainPacket relays a packet received over UDP from the domain or
// one of its nodes. p must not yet have had any fields consumed beyond the
// frame header; the full remaining body is forwarded as-is. sender is the
// UDP address the datagram actually arrived from.
//
// This is reached only for packet types handshake.Engine.HandleDomainPacket
// did not claim (Ping, PingReply, SelectedAudioFormat, and anything else),
// continuing the single shared parser the connection installs once and
// never swaps, per the original design.
//
// Per §4.G, a matched node's Ping and PingReply advance its sequence
// number, a Ping additionally draws a PingReply back to the node, and a
// PingReply/SelectedAudioFormat from the audio mixer drive its
// format-negotiation state. Any other type is relayed unchanged.
func (d *Dispatcher) HandleDomainPacket(p *wire.Packet, sender netip.AddrPort) error {
	body := rawBody(p)

	rec, ok := d.Directory.MatchSender(sender)
	if !ok {
		// No node claims this address; it's either still the domain's own
		// socket (e.g. a late Ping from before a node handed off) or an
		// address we haven't learned yet. Either way, the browser's
		// domain_server_dc is the only channel that makes sense here.
		return d.Sink.SendToChannel("domain_server_dc", frameFor(p, body))
	}

	if rec.DataChannelLabel == "" {
		return fmt.Errorf("relay: node %s (%s) has no data channel label", rec.NodeID, rec.Type)
	}

	switch p.Type() {
	case wire.PacketTypePing:
		rec.LastSequenceNumber = p.SequenceNumber()
		if err := d.Sink.SendToChannel(rec.DataChannelLabel, frameFor(p, body)); err != nil {
			return err
		}
		reply := wire.EncodePingReply(d.nextReplySeq())
		return d.Sender.SendUDP(rec.ActiveSocket, reply.Encode())

	case wire.PacketTypePingReply:
		rec.LastSequenceNumber = p.SequenceNumber()
		if rec.Type == wire.NodeTypeAudioMixer {
			rec.StartNegotiateAudioFormat()
		}
		return d.Sink.SendToChannel(rec.DataChannelLabel, frameFor(p, body))

	case wire.PacketTypeSelectedAudioFormat:
		if rec.Type == wire.NodeTypeAudioMixer {
			rec.SetNegotiatedAudioFormat(true)
		}
		return d.Sink.SendToChannel(rec.DataChannelLabel, frameFor(p, body))

	default:
		return d.Sink.SendToChannel(rec.DataChannelLabel, frameFor(p, body))
	}
}

// HandleChannelMessage relays a message received from the browser over a
// labeled data channel out to the matching node's active UDP socket.
// Messages on domain_server_dc are rejected with an error and are not sent
// to the domain.
func (d *Dispatcher) HandleChannelMessage(label string, b []byte) error {
	if label == "domain_server_dc" {
		return fmt.Errorf("relay: domain_server_dc traffic is not relayed to UDP")
	}
	for _, rec := range d.Directory.All() {
		if rec.DataChannelLabel != label {
			continue
		}
		target := rec.ActiveSocket
		if !target.IsValid() {
			target = netip.AddrPortFrom(rec.PublicAddr, rec.PublicPort)
		}
		return d.Sender.SendUDP(target, b)
	}
	d.Logger.Debug().Str("label", label).Msg("relay: no node bound to data channel, dropping")
	return nil
}

// rawBody returns the packet's unread body bytes.
func rawBody(p *wire.Packet) []byte {
	n := p.Remaining()
	b, _ := p.ReadBytes(n)
	return b
}

// frameFor reconstructs the original framed datagram (type + sequence
// number + body) for opaque forwarding to the browser, which expects the
// same wire format the domain used.
func frameFor(p *wire.Packet, body []byte) []byte {
	out := make([]byte, 0, 3+len(body))
	out = append(out, byte(p.Type()))
	seq := p.SequenceNumber()
	out = append(out, byte(seq), byte(seq>>8))
	out = append(out, body...)
	return out
}
