package auth

import (
	"testing"
	"time"
)

func TestPairingHandshake(t *testing.T) {
	p := NewPairingService(newTestStore(t))

	code, err := p.Begin("new laptop")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("code = %q, want 6 digits", code)
	}

	d, err := p.Complete(code, "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if d.Name != "new laptop" {
		t.Errorf("name = %q", d.Name)
	}
	if !p.VerifyToken(d.Token) {
		t.Error("minted token does not verify")
	}

	// Codes are single-use.
	if _, err := p.Complete(code, ""); err != ErrCodeInvalid {
		t.Errorf("reused code: err = %v, want ErrCodeInvalid", err)
	}
}

func TestPairingCodeExpires(t *testing.T) {
	p := NewPairingService(newTestStore(t))
	code, err := p.Begin("slow device")
	if err != nil {
		t.Fatal(err)
	}

	p.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	if _, err := p.Complete(code, ""); err != ErrCodeInvalid {
		t.Errorf("expired code: err = %v, want ErrCodeInvalid", err)
	}
}

func TestPairingBadCode(t *testing.T) {
	p := NewPairingService(newTestStore(t))
	if _, err := p.Complete("000000", ""); err != ErrCodeInvalid {
		t.Errorf("err = %v, want ErrCodeInvalid", err)
	}
}

func TestPairingPendingBound(t *testing.T) {
	p := NewPairingService(newTestStore(t))
	for i := 0; i < maxPendingCodes; i++ {
		if _, err := p.Begin("dev"); err != nil {
			t.Fatalf("Begin #%d: %v", i, err)
		}
	}
	if _, err := p.Begin("overflow"); err != ErrTooManyCodes {
		t.Errorf("err = %v, want ErrTooManyCodes", err)
	}
}

func TestAutoPairIdempotent(t *testing.T) {
	p := NewPairingService(newTestStore(t))

	first, existing, err := p.AutoPair("tailnet-phone")
	if err != nil {
		t.Fatalf("AutoPair: %v", err)
	}
	if existing {
		t.Error("first auto-pair reported an existing device")
	}
	second, existing, err := p.AutoPair("tailnet-phone")
	if err != nil {
		t.Fatal(err)
	}
	if !existing {
		t.Error("repeated auto-pair not reported as existing")
	}
	if first.ID != second.ID || first.Token != second.Token {
		t.Error("repeated auto-pair minted a new device")
	}

	other, _, err := p.AutoPair("tailnet-tablet")
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Error("distinct device names share an identity")
	}
}
