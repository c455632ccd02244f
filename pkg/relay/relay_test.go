package relay

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nsbridge/vwbridge/pkg/node"
	"github.com/nsbridge/vwbridge/pkg/wire"
)

type fakeSink struct {
	sent map[string][][]byte
}

func newFakeSink() *fakeSink { return &fakeSink{sent: make(map[string][][]byte)} }

func (f *fakeSink) SendToChannel(label string, b []byte) error {
	f.sent[label] = append(f.sent[label], b)
	return nil
}

type fakeSender struct {
	sent []struct {
		addr netip.AddrPort
		b    []byte
	}
}

func (f *fakeSender) SendUDP(addr netip.AddrPort, b []byte) error {
	f.sent = append(f.sent, struct {
		addr netip.AddrPort
		b    []byte
	}{addr, b})
	return nil
}

func newTestPacket(t *testing.T, typ wire.PacketType, seq uint16, body []byte) *wire.Packet {
	t.Helper()
	p := wire.Create(seq, typ, 0)
	p.WriteBytes(body)
	r, err := wire.FromReceived(p.Encode(), netip.AddrPort{})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestHandleDomainPacketMatchesNode(t *testing.T) {
	dir := node.NewDirectory()
	sender := netip.MustParseAddrPort("198.51.100.9:5000")
	dir.Put(node.Record{
		Type:             wire.NodeTypeAudioMixer,
		NodeID:           uuid.New(),
		PublicAddr:       sender.Addr(),
		PublicPort:       sender.Port(),
		DataChannelLabel: "audio_mixer_dc",
	})

	sink := newFakeSink()
	d := &Dispatcher{Directory: dir, Sink: sink, Sender: &fakeSender{}, Logger: zerolog.Nop()}

	p := newTestPacket(t, wire.PacketTypePing, 11, []byte{1, 2, 3})
	if err := d.HandleDomainPacket(p, sender); err != nil {
		t.Fatal(err)
	}
	got := sink.sent["audio_mixer_dc"]
	if len(got) != 1 {
		t.Fatalf("sent[audio_mixer_dc] = %d messages, want 1", len(got))
	}
	if got[0][0] != byte(wire.PacketTypePing) {
		t.Fatalf("frame type byte = %d, want %d", got[0][0], wire.PacketTypePing)
	}
}

func TestHandleDomainPacketFallsBackToDomainServerDC(t *testing.T) {
	dir := node.NewDirectory()
	sink := newFakeSink()
	d := &Dispatcher{Directory: dir, Sink: sink, Logger: zerolog.Nop()}

	p := newTestPacket(t, wire.PacketTypePing, 1, nil)
	if err := d.HandleDomainPacket(p, netip.MustParseAddrPort("203.0.113.1:1")); err != nil {
		t.Fatal(err)
	}
	if len(sink.sent["domain_server_dc"]) != 1 {
		t.Fatalf("sent[domain_server_dc] = %d messages, want 1", len(sink.sent["domain_server_dc"]))
	}
}

func TestHandleChannelMessageRoutesToActiveSocket(t *testing.T) {
	dir := node.NewDirectory()
	active := netip.MustParseAddrPort("10.1.1.1:6000")
	dir.Put(node.Record{
		Type:             wire.NodeTypeAvatarMixer,
		DataChannelLabel: "avatar_mixer_dc",
		ActiveSocket:     active,
	})
	sender := &fakeSender{}
	d := &Dispatcher{Directory: dir, Sender: sender, Logger: zerolog.Nop()}

	if err := d.HandleChannelMessage("avatar_mixer_dc", []byte{9, 9}); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sender.sent))
	}
	if sender.sent[0].addr != active {
		t.Fatalf("addr = %v, want %v", sender.sent[0].addr, active)
	}
}

func TestHandleChannelMessageRejectsDomainServerDC(t *testing.T) {
	d := &Dispatcher{Directory: node.NewDirectory(), Logger: zerolog.Nop()}
	if err := d.HandleChannelMessage("domain_server_dc", nil); err == nil {
		t.Fatal("err = nil, want error")
	}
}

func TestHandleChannelMessageDropsUnboundLabel(t *testing.T) {
	d := &Dispatcher{Directory: node.NewDirectory(), Logger: zerolog.Nop()}
	if err := d.HandleChannelMessage("asset_server_dc", []byte{1}); err != nil {
		t.Fatal(err)
	}
}
