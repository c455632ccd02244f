// Package connection implements the per-client connection supervisor: it
// owns the UDP socket and browser transport for one client, wires the
// handshake engine and relay dispatcher to them, and serializes all of a
// connection's activity through a single event loop.
package connection

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nsbridge/vwbridge/pkg/connlog"
	"github.com/nsbridge/vwbridge/pkg/handshake"
	"github.com/nsbridge/vwbridge/pkg/node"
	"github.com/nsbridge/vwbridge/pkg/relay"
	"github.com/nsbridge/vwbridge/pkg/transport"
	"github.com/nsbridge/vwbridge/pkg/wire"
)

// Config holds a Connection's static parameters, supplied by the bridge
// server when a browser offer arrives.
type Config struct {
	ClientID  uuid.UUID
	DomainID  uuid.UUID
	PlaceName string

	STUNServerAddr netip.AddrPort
	ICEServerAddr  netip.AddrPort

	Logger  zerolog.Logger
	ConnLog *connlog.DB // optional

	PeerConnection transport.PeerConnection
}

// Connection supervises one browser client's bridge session from its first
// offer through teardown. Events are handled on a single goroutine (loop),
// reached only via the events channel; the channel map is set from the
// transport's own goroutine and is guarded by channelsMu.
type Connection struct {
	id   uuid.UUID
	cfg  Config
	log  zerolog.Logger

	udp *net.UDPConn

	directory *node.Directory
	handshake *handshake.Engine
	relay     *relay.Dispatcher

	channels   map[string]transport.DataChannel
	channelsMu sync.RWMutex

	events chan event
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

type event struct {
	kind      eventKind
	udpBuf    []byte
	udpSender netip.AddrPort
	dcLabel   string
	dcBuf     []byte
}

type eventKind int

const (
	eventUDPDatagram eventKind = iota
	eventChannelMessage
	eventTransportReady
	eventTransportClosed
)

// New creates a Connection and opens its dedicated UDP socket. The caller
// must call Run to actually start processing.
func New(cfg Config) (*Connection, error) {
	udp, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("connection: open udp socket: %w", err)
	}

	id := uuid.New()
	directory := node.NewDirectory()

	c := &Connection{
		id:        id,
		cfg:       cfg,
		log:       cfg.Logger.With().Stringer("connection_id", id).Logger(),
		udp:       udp,
		directory: directory,
		events:    make(chan event, 64),
		done:      make(chan struct{}),
	}

	c.relay = &relay.Dispatcher{
		Directory: directory,
		Sink:      c,
		Sender:    c,
		Logger:    c.log,
	}

	localPort := udp.LocalAddr().(*net.UDPAddr).Port

	c.handshake = handshake.New(handshake.Deps{
		ClientID:       cfg.ClientID,
		DomainID:       cfg.DomainID,
		PlaceName:      cfg.PlaceName,
		STUNServerAddr: cfg.STUNServerAddr,
		ICEServerAddr:  cfg.ICEServerAddr,
		LocalPort:      uint16(localPort),
		Directory:      directory,
		Logger:         c.log,
		Send:           c.sendUDP,
		ForwardOpaque:  c.forwardToDomainServerDC,
		OnPhaseChange:  c.onPhaseChange,
		OnDomainConnected: func(wire.DomainList) {
			c.log.Info().Msg("connection: domain connected")
		},
		OnFailed: c.onHandshakeFailed,
	})

	if cfg.PeerConnection != nil {
		cfg.PeerConnection.OnReady(func(channels map[string]transport.DataChannel) {
			c.events <- event{kind: eventTransportReady}
			c.channelsMu.Lock()
			c.channels = channels
			c.channelsMu.Unlock()
			for label, ch := range channels {
				label, ch := label, ch
				ch.OnMessage(func(b []byte) {
					cp := make([]byte, len(b))
					copy(cp, b)
					c.events <- event{kind: eventChannelMessage, dcLabel: label, dcBuf: cp}
				})
			}
		})
		cfg.PeerConnection.OnClose(func() {
			c.events <- event{kind: eventTransportClosed}
		})
	}

	return c, nil
}

// ID is the connection's internally generated identifier (distinct from the
// client's own id), used as the connlog primary key.
func (c *Connection) ID() uuid.UUID { return c.id }

// Run starts the UDP reader goroutine and the connection's event loop, then
// kicks off the handshake. It blocks until the connection is torn down or
// ctx is cancelled.
func (c *Connection) Run(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.cfg.ConnLog != nil {
		if err := c.cfg.ConnLog.ConnectionStarted(c.id, c.cfg.ClientID, c.cfg.DomainID, c.cfg.PlaceName); err != nil {
			c.log.Warn().Err(err).Msg("connection: failed to record connlog start")
		}
	}

	go c.readUDP()
	c.handshake.Start(c.ctx)

	c.loop()
}

func (c *Connection) readUDP() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := c.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case c.events <- event{kind: eventUDPDatagram, udpBuf: cp, udpSender: addr}:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) loop() {
	for {
		select {
		case <-c.ctx.Done():
			c.Disconnect("context cancelled")
			return
		case e := <-c.events:
			c.handle(e)
		}
	}
}

func (c *Connection) handle(e event) {
	switch e.kind {
	case eventUDPDatagram:
		if err := c.handleUDPDatagram(e.udpBuf, e.udpSender); err != nil {
			c.log.Debug().Err(err).Msg("connection: error handling udp datagram")
		}
	case eventChannelMessage:
		if err := c.relay.HandleChannelMessage(e.dcLabel, e.dcBuf); err != nil {
			c.log.Debug().Err(err).Str("label", e.dcLabel).Msg("connection: error relaying channel message")
		}
	case eventTransportReady:
		c.log.Info().Msg("connection: transport ready, all data channels open")
	case eventTransportClosed:
		c.Disconnect("transport closed")
	}
}

func (c *Connection) handleUDPDatagram(buf []byte, sender netip.AddrPort) error {
	phase := c.handshake.Phase()
	if phase != handshake.PhaseDomainConnect && phase != handshake.PhaseDomainConnected {
		return c.handshake.HandleDatagram(c.ctx, buf, sender)
	}

	// Past the rendezvous phases, a single persistent parser is installed
	// for the lifetime of the connection: the handshake engine gets first
	// look at every domain packet (for DomainList/DomainConnectionDenied/
	// ICEPing), and anything it doesn't claim falls through to relay.
	p, err := wire.FromReceived(buf, sender)
	if err != nil {
		return err
	}
	handled, err := c.handshake.HandleDomainPacket(c.ctx, p)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}

	p2, err := wire.FromReceived(buf, sender)
	if err != nil {
		return err
	}
	return c.relay.HandleDomainPacket(p2, sender)
}

func (c *Connection) onPhaseChange(p handshake.Phase) {
	c.log.Info().Stringer("phase", phaseLogValue(p)).Msg("connection: phase changed")
	if c.cfg.ConnLog != nil {
		if err := c.cfg.ConnLog.PhaseTransition(c.id, p.String()); err != nil {
			c.log.Warn().Err(err).Msg("connection: failed to record phase transition")
		}
	}
}

func (c *Connection) onHandshakeFailed(p handshake.Phase, err error) {
	c.log.Warn().Err(err).Stringer("phase", phaseLogValue(p)).Msg("connection: handshake failed")
	c.Disconnect(fmt.Sprintf("handshake failed in phase %s: %v", p, err))
}

// sendUDP is the handshake's Deps.Send; SendUDP wraps it for relay.Sender.
func (c *Connection) sendUDP(addr netip.AddrPort, b []byte) error {
	_, err := c.udp.WriteToUDPAddrPort(b, addr)
	return err
}

// SendUDP implements relay.Sender.
func (c *Connection) SendUDP(addr netip.AddrPort, b []byte) error {
	return c.sendUDP(addr, b)
}

// SendToChannel implements relay.Sink.
func (c *Connection) SendToChannel(label string, b []byte) error {
	c.channelsMu.RLock()
	ch, ok := c.channels[label]
	c.channelsMu.RUnlock()
	if !ok {
		return fmt.Errorf("connection: data channel %q not open", label)
	}
	return ch.Send(b)
}

func (c *Connection) forwardToDomainServerDC(b []byte) error {
	return c.SendToChannel("domain_server_dc", b)
}

// Disconnect tears the connection down exactly once, regardless of which
// of several concurrent sources (transport close, handshake failure,
// context cancellation) triggers it.
func (c *Connection) Disconnect(reason string) {
	c.closeOnce.Do(func() {
		c.log.Info().Str("reason", reason).Msg("connection: disconnecting")
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		}
		c.udp.Close()
		if c.cfg.PeerConnection != nil {
			c.cfg.PeerConnection.Close()
		}
		if c.cfg.ConnLog != nil {
			if err := c.cfg.ConnLog.ConnectionEnded(c.id, reason); err != nil {
				c.log.Warn().Err(err).Msg("connection: failed to record connlog end")
			}
		}
	})
}

// phaseLogValue adapts handshake.Phase to fmt.Stringer for zerolog's
// Stringer field helper (handshake.Phase already implements it, this just
// keeps the call sites above free of the import needing to be named twice).
func phaseLogValue(p handshake.Phase) handshake.Phase { return p }
