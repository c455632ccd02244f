package transport

import "testing"

func TestRequiredLabelsCount(t *testing.T) {
	if len(RequiredLabels) != 7 {
		t.Fatalf("len(RequiredLabels) = %d, want 7", len(RequiredLabels))
	}
}

func TestIsRequiredLabel(t *testing.T) {
	for _, l := range RequiredLabels {
		if !isRequiredLabel(l) {
			t.Errorf("isRequiredLabel(%q) = false, want true", l)
		}
	}
	if isRequiredLabel("not_a_real_label") {
		t.Error("isRequiredLabel(unknown) = true, want false")
	}
}

func TestNewFactory(t *testing.T) {
	f := NewFactory(Config{STUNServers: []string{"stun:stun3.l.google.com:19302"}})
	if f == nil {
		t.Fatal("NewFactory returned nil")
	}
	pc, err := f.New()
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	defer pc.Close()
}
