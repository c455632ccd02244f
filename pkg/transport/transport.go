// Package transport is the bridge's opaque peer-transport boundary: a
// browser-facing connection made of labeled, unordered data channels, with
// a concrete implementation backed by pion/webrtc.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// RequiredLabels are the data channels every peer connection must open
// before it is considered ready to relay. domain_server_dc carries
// handshake traffic (STUN/ICE/domain-connect/ping); the other six mirror
// one interested node type each.
var RequiredLabels = []string{
	"domain_server_dc",
	"audio_mixer_dc",
	"avatar_mixer_dc",
	"entity_server_dc",
	"entity_script_server_dc",
	"messages_mixer_dc",
	"asset_server_dc",
}

// DataChannel is the minimal surface the rest of the bridge needs from a
// transport data channel.
type DataChannel interface {
	Label() string
	Send(b []byte) error
	OnMessage(func(b []byte))
}

// PeerConnection is the browser-facing transport for one client connection.
// It is opaque above this package: callers pass SDP and ICE candidate
// strings through it but never touch the underlying pion objects, only the
// channels it exposes once negotiation finishes.
type PeerConnection interface {
	// CreateAnswer consumes a browser's offer SDP and returns the answer
	// SDP, after local ICE gathering completes.
	CreateAnswer(ctx context.Context, offerSDP string) (answerSDP string, err error)

	// AddICECandidate applies a remote ICE candidate received out of band
	// (trickle ICE) after the initial offer/answer exchange.
	AddICECandidate(candidate string) error

	// OnICECandidate registers a callback for local candidates as they are
	// gathered. It fires once more with an empty candidate string when
	// gathering completes; callers must not forward that empty candidate
	// to the browser.
	OnICECandidate(func(candidate string))

	// OnReady fires once every label in RequiredLabels has an open data
	// channel.
	OnReady(func(channels map[string]DataChannel))

	// OnClose fires when the underlying connection transitions to a
	// terminal closed or failed state.
	OnClose(func())

	Close() error
}

// pionDataChannel adapts *webrtc.DataChannel to DataChannel.
type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionDataChannel) Label() string { return c.dc.Label() }

func (c *pionDataChannel) Send(b []byte) error {
	return c.dc.Send(b)
}

func (c *pionDataChannel) OnMessage(fn func(b []byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

// Config configures the pion-backed PeerConnection factory.
type Config struct {
	// STUNServers are the ICE server URLs (e.g. "stun:stun3.l.google.com:19302")
	// offered to the browser peer for its own candidate gathering.
	STUNServers []string
}

// Factory builds PeerConnections sharing one pion API instance.
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

func NewFactory(cfg Config) *Factory {
	var se webrtc.SettingEngine
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6})
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	var servers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}
	return &Factory{api: api, iceServers: servers}
}

// New creates a fresh PeerConnection, not yet negotiated.
func (f *Factory) New() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("transport: new peer connection: %w", err)
	}
	p := &pionPeerConnection{pc: pc, channels: make(map[string]DataChannel)}
	pc.OnDataChannel(p.onDataChannel)
	pc.OnICEConnectionStateChange(p.onICEStateChange)
	return p, nil
}

type pionPeerConnection struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	channels map[string]DataChannel
	ready    bool

	onReady func(map[string]DataChannel)
	onClose func()
}

func (p *pionPeerConnection) CreateAnswer(ctx context.Context, offerSDP string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		return "", fmt.Errorf("transport: set remote description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("transport: set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	ld := p.pc.LocalDescription()
	if ld == nil {
		return "", errors.New("transport: no local description after gathering")
	}
	return ld.SDP, nil
}

func (p *pionPeerConnection) AddICECandidate(candidate string) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

func (p *pionPeerConnection) OnICECandidate(fn func(string)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn("")
			return
		}
		fn(c.ToJSON().Candidate)
	})
}

func (p *pionPeerConnection) OnReady(fn func(map[string]DataChannel)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReady = fn
	if p.ready {
		fn(p.channels)
	}
}

func (p *pionPeerConnection) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = fn
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

func (p *pionPeerConnection) onDataChannel(dc *webrtc.DataChannel) {
	label := dc.Label()
	if !isRequiredLabel(label) {
		return
	}
	dc.OnOpen(func() {
		p.mu.Lock()
		p.channels[label] = &pionDataChannel{dc: dc}
		allOpen := len(p.channels) == len(RequiredLabels)
		cb := p.onReady
		if allOpen {
			p.ready = true
		}
		snapshot := p.channels
		p.mu.Unlock()

		if allOpen && cb != nil {
			cb(snapshot)
		}
	})
}

func (p *pionPeerConnection) onICEStateChange(st webrtc.ICEConnectionState) {
	if st != webrtc.ICEConnectionStateFailed && st != webrtc.ICEConnectionStateClosed {
		return
	}
	p.mu.Lock()
	cb := p.onClose
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func isRequiredLabel(label string) bool {
	for _, l := range RequiredLabels {
		if l == label {
			return true
		}
	}
	return false
}
