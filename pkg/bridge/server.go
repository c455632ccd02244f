package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/nsbridge/vwbridge/pkg/cloudflare"
	"github.com/nsbridge/vwbridge/pkg/connlog"
	"github.com/nsbridge/vwbridge/pkg/connection"
	"github.com/nsbridge/vwbridge/pkg/signaling"
	"github.com/nsbridge/vwbridge/pkg/transport"
)

// Server is the bridge's top-level HTTP server: it serves the browser
// signaling endpoint and a metrics endpoint, and owns the resources every
// accepted connection needs (the transport factory, the connlog, the
// domain resolver).
type Server struct {
	Logger zerolog.Logger

	Addr          []string
	Handler       http.Handler
	NotifySocket  string
	MetricsSecret string

	ConnLog  *connlog.DB
	Resolver DomainResolver
	Factory  *transport.Factory

	stunServerAddr netip.AddrPort
	iceServerAddr  netip.AddrPort

	reload []func()
	mu     sync.Mutex
	closed bool
}

// NewServer builds a Server from c and resolver, which maps browser-
// provided place names to domain ids. It resolves STUNServerAddr (a
// hostname, conventionally) to a concrete socket up front, since the
// handshake engine deals only in resolved addresses.
func NewServer(c *Config, resolver DomainResolver) (*Server, func(), error) {
	stunAddr, err := resolveUDPAddrPort(c.STUNServerAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve stun server addr: %w", err)
	}

	var cl *connlog.DB
	if c.ConnLogPath != "" {
		cl, err = connlog.Open(c.ConnLogPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open connlog: %w", err)
		}
		_, required, err := cl.Version()
		if err != nil {
			return nil, nil, fmt.Errorf("connlog version: %w", err)
		}
		if err := cl.MigrateUp(context.Background(), required); err != nil {
			return nil, nil, fmt.Errorf("connlog migrate: %w", err)
		}
	}

	factory := transport.NewFactory(transport.Config{STUNServers: []string{c.BrowserSTUNServer}})

	logger, reopen, err := configureLogging(c)
	if err != nil {
		return nil, nil, fmt.Errorf("configure logging: %w", err)
	}

	var s Server
	s.Logger = logger
	s.Addr = c.Addr
	s.NotifySocket = c.NotifySocket
	s.MetricsSecret = c.MetricsSecret
	s.ConnLog = cl
	s.Factory = factory
	s.Resolver = resolver
	s.stunServerAddr = stunAddr
	s.iceServerAddr = c.ICEServerAddr
	if reopen != nil {
		s.reload = append(s.reload, reopen)
	}

	sh := signaling.NewHandler(logger, factory)
	sh.OnReady = s.onPeerReady

	mux := http.NewServeMux()
	mux.Handle("/ws", sh)
	mux.HandleFunc("/", s.serveRest)

	var mws middlewares
	mws.Add(cloudflare.RealIP(func(r *http.Request, err error) {
		logger.Debug().Err(err).Msg("bridge: cloudflare real ip")
	}))
	mws.Add(func(h http.Handler) http.Handler {
		return hlog.NewHandler(logger)(h)
	})
	mws.Add(func(h http.Handler) http.Handler {
		return hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", d).
				Msg("request")
		})(h)
	})
	s.Handler = (&statusInterceptor{
		Handler: mws.Then(mux),
		Error: func(code int) http.Handler {
			return nil
		},
	})

	return &s, func() {
		if cl != nil {
			cl.Close()
		}
	}, nil
}

// onPeerReady is called by the signaling handler once a browser peer
// connection has opened; it resolves the requested place to a domain id
// and starts a new connection supervisor bound to that transport. The
// client id and target place name are passed as query parameters on the
// websocket upgrade request (e.g. /ws?client=<uuid>&place=welcome).
func (s *Server) onPeerReady(r *http.Request, conn *websocket.Conn, pc transport.PeerConnection, channels map[string]transport.DataChannel) {
	_ = channels // channels are consumed by connection.Connection via pc.OnReady, already wired in connection.New

	placeName := r.URL.Query().Get("place")

	clientID, err := uuid.Parse(r.URL.Query().Get("client"))
	if err != nil {
		clientID = uuid.New()
	}

	domainID, err := s.Resolver.Resolve(r.Context(), placeName)
	if err != nil {
		s.Logger.Warn().Err(err).Str("place", placeName).Msg("bridge: failed to resolve place")
		pc.Close()
		return
	}

	c, err := connection.New(connection.Config{
		ClientID:       clientID,
		DomainID:       domainID,
		PlaceName:      placeName,
		STUNServerAddr: s.stunServerAddr,
		ICEServerAddr:  s.iceServerAddr,
		Logger:         s.Logger,
		ConnLog:        s.ConnLog,
		PeerConnection: pc,
	})
	if err != nil {
		s.Logger.Err(err).Msg("bridge: failed to start connection")
		pc.Close()
		return
	}
	go c.Run(r.Context())
}

// Run listens on every configured address and blocks until ctx is
// cancelled, then drains in-flight requests before returning.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.mu.Unlock()

	var hs []*http.Server
	var addrs []string
	for _, a := range s.Addr {
		hs = append(hs, &http.Server{Addr: a, Handler: s.Handler})
		addrs = append(addrs, "http://"+a)
	}
	if len(hs) == 0 {
		return fmt.Errorf("no listen addresses provided")
	}
	s.Logger.Log().Msgf("starting bridge on %s", strings.Join(addrs, ", "))

	errch := make(chan error, len(hs))
	for _, h := range hs {
		h := h
		go func() { errch <- h.ListenAndServe() }()
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		go s.sdnotify("READY=1")
	case err := <-errch:
		s.Logger.Err(err).Msg("bridge: failed to start server")
		return err
	}

	select {
	case <-ctx.Done():
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.Logger.Log().Msg("bridge: shutting down")

		go s.sdnotify("STOPPING=1")

		var wg sync.WaitGroup
		for _, h := range hs {
			h := h
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.Shutdown(context.Background())
			}()
		}
		wg.Wait()
		return nil
	case err := <-errch:
		s.Logger.Err(err).Msg("bridge: failed to start server")
		return err
	}
}

// HandleSIGHUP reopens the log file, if configured.
func (s *Server) HandleSIGHUP() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	go s.sdnotify("RELOADING=1")
	defer s.sdnotify("READY=1")
	for _, fn := range s.reload {
		if fn != nil {
			fn()
		}
	}
}

func (s *Server) serveRest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/metrics" {
		if s.MetricsSecret != "" && r.URL.Query().Get("secret") != s.MetricsSecret {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		var b bytes.Buffer
		metrics.WriteProcessMetrics(&b)
		w.Header().Set("Cache-Control", "private, no-cache, no-store")
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Header().Set("Content-Length", strconv.Itoa(b.Len()))
		b.WriteTo(w)
		return
	}
	if r.URL.Path == "/" {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "Go away.\n")
		return
	}
	http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
}

func (s *Server) sdnotify(state string) (bool, error) {
	if s.NotifySocket == "" {
		return false, nil
	}
	addr := &net.UnixAddr{Name: s.NotifySocket, Net: "unixgram"}
	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}

// configureLogging builds the bridge's logger from c's stdout/file options,
// mirroring the teacher's multi-writer setup so the log file can be
// reopened on SIGHUP without dropping concurrently written records.
func configureLogging(c *Config) (l zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer
	if c.LogStdout {
		if c.LogStdoutPretty {
			outputs = append(outputs, newZerologWriterLevel(zerolog.ConsoleWriter{Out: os.Stdout}, c.LogStdoutLevel))
		} else {
			outputs = append(outputs, newZerologWriterLevel(os.Stdout, c.LogStdoutLevel))
		}
	}
	if fn := c.LogFile; fn != "" {
		x := newZerologWriterLevel(nil, c.LogFileLevel)
		if fn, err = filepath.Abs(fn); err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("resolve log file: %w", err)
		}
		reopen = func() {
			x.SwapWriter(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
				}
				f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", err)
					return nil
				}
				return f
			})
		}
		outputs = append(outputs, x)
		reopen()
	}
	l = zerolog.New(zerolog.MultiLevelWriter(outputs...)).Level(c.LogLevel).With().Timestamp().Logger()
	return l, reopen, nil
}

func resolveUDPAddrPort(hostport string) (netip.AddrPort, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("bridge: could not convert %v to netip.Addr", addr.IP)
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)), nil
}
