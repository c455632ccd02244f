package signaling

import "testing"

func TestMessageRoundTrip(t *testing.T) {
	m := message{Type: "candidate", Candidate: "candidate:1 1 UDP 2122260223 10.0.0.1 54321 typ host"}
	b, err := marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestEmptyCandidateMarshalsWithoutField(t *testing.T) {
	b, err := marshal(message{Type: "connected"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"type":"connected"}` {
		t.Fatalf("got %s", b)
	}
}
