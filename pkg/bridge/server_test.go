package bridge

import (
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/google/uuid"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Addr:              []string{"127.0.0.1:0"},
		ICEServerAddr:     netip.MustParseAddrPort("127.0.0.1:40102"),
		STUNServerAddr:    "127.0.0.1:19302",
		BrowserSTUNServer: "stun:stun3.l.google.com:19302",
		LogLevel:          0,
	}
}

func TestNewServerBuildsHandler(t *testing.T) {
	resolver := NewStaticDomainResolver(map[string]uuid.UUID{"welcome": uuid.New()})
	s, cleanup, err := NewServer(testConfig(t), resolver)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	if s.Handler == nil {
		t.Fatal("Handler is nil")
	}
}

func TestServeRestMetricsRequiresSecretWhenSet(t *testing.T) {
	resolver := NewStaticDomainResolver(nil)
	cfg := testConfig(t)
	cfg.MetricsSecret = "s3cr3t"
	s, cleanup, err := NewServer(cfg, resolver)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.serveRest(rec, req)
	if rec.Code != 403 {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/metrics?secret=s3cr3t", nil)
	s.serveRest(rec2, req2)
	if rec2.Code != 200 {
		t.Fatalf("status = %d, want 200", rec2.Code)
	}
}

func TestResolveUDPAddrPort(t *testing.T) {
	ap, err := resolveUDPAddrPort("127.0.0.1:19302")
	if err != nil {
		t.Fatal(err)
	}
	if ap.Port() != 19302 {
		t.Fatalf("port = %d, want 19302", ap.Port())
	}
}
