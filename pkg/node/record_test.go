package node

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/nsbridge/vwbridge/pkg/wire"
)

func TestDataChannelLabel(t *testing.T) {
	cases := map[wire.NodeType]string{
		wire.NodeTypeAudioMixer:        "audio_mixer_dc",
		wire.NodeTypeAvatarMixer:       "avatar_mixer_dc",
		wire.NodeTypeEntityServer:      "entity_server_dc",
		wire.NodeTypeAssetServer:       "asset_server_dc",
		wire.NodeTypeMessagesMixer:     "messages_mixer_dc",
		wire.NodeTypeEntityScriptServer: "entity_script_server_dc",
	}
	for typ, want := range cases {
		if got := DataChannelLabel(typ); got != want {
			t.Errorf("DataChannelLabel(%v) = %q, want %q", typ, got, want)
		}
	}
}

func TestDirectoryPutGet(t *testing.T) {
	d := NewDirectory()
	r := Record{Type: wire.NodeTypeAudioMixer, NodeID: uuid.New()}
	d.Put(r)

	got, ok := d.Get(wire.NodeTypeAudioMixer)
	if !ok {
		t.Fatal("Get() ok = false")
	}
	if got.NodeID != r.NodeID {
		t.Fatalf("NodeID = %v, want %v", got.NodeID, r.NodeID)
	}
	if _, ok := d.Get(wire.NodeTypeAssetServer); ok {
		t.Fatal("Get() ok = true for absent type")
	}
}

func TestDirectoryAllOrdersByClassification(t *testing.T) {
	d := NewDirectory()
	d.Put(Record{Type: wire.NodeTypeEntityServer})
	d.Put(Record{Type: wire.NodeTypeAudioMixer})
	d.Put(Record{Type: wire.NodeTypeAssetServer})

	all := d.All()
	wantOrder := []wire.NodeType{wire.NodeTypeAudioMixer, wire.NodeTypeAssetServer, wire.NodeTypeEntityServer}
	if len(all) != len(wantOrder) {
		t.Fatalf("len(All()) = %d, want %d", len(all), len(wantOrder))
	}
	for i, want := range wantOrder {
		if all[i].Type != want {
			t.Fatalf("All()[%d].Type = %v, want %v", i, all[i].Type, want)
		}
	}
}

func TestDirectoryMatchSenderTieBreak(t *testing.T) {
	d := NewDirectory()
	shared := netip.MustParseAddr("10.0.0.9")
	// Two nodes pathologically sharing the same public socket: classification
	// order must pick audio over avatar.
	d.Put(Record{Type: wire.NodeTypeAvatarMixer, PublicAddr: shared, PublicPort: 9000})
	d.Put(Record{Type: wire.NodeTypeAudioMixer, PublicAddr: shared, PublicPort: 9000})

	sender := netip.AddrPortFrom(shared, 9000)
	got, ok := d.MatchSender(sender)
	if !ok {
		t.Fatal("MatchSender() ok = false")
	}
	if got.Type != wire.NodeTypeAudioMixer {
		t.Fatalf("matched %v, want AudioMixer", got.Type)
	}
	if got.ActiveSocket != sender {
		t.Fatalf("ActiveSocket = %v, want %v", got.ActiveSocket, sender)
	}
}

func TestDirectoryMatchSenderNoMatch(t *testing.T) {
	d := NewDirectory()
	d.Put(Record{Type: wire.NodeTypeAudioMixer, PublicAddr: netip.MustParseAddr("1.2.3.4"), PublicPort: 1})
	if _, ok := d.MatchSender(netip.MustParseAddrPort("5.6.7.8:2")); ok {
		t.Fatal("MatchSender() ok = true, want false")
	}
}
