// ABOUTME: Tests for the website token registry
// ABOUTME: Covers issue, lookup, revoke, clear and concurrent use

package auth

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistry_IssueLookupRevoke(t *testing.T) {
	reg := NewRegistry(newVerifier(t), time.Hour)

	token, err := reg.Issue("website-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	got, err := reg.Lookup(token)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got != "website-1" {
		t.Errorf("Lookup() = %q, want website-1", got)
	}

	if !reg.Revoke(token) {
		t.Error("Revoke() should report a registered token")
	}
	if reg.Revoke(token) {
		t.Error("second Revoke() should report false")
	}
	if _, err := reg.Lookup(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Lookup() after revoke error = %v, want ErrInvalidToken", err)
	}
}

func TestRegistry_UnregisteredTokenRejected(t *testing.T) {
	verifier := newVerifier(t)
	reg := NewRegistry(verifier, time.Hour)

	// Signed correctly but never issued through the registry
	token, _ := verifier.Generate("website-1", time.Hour)
	if _, err := reg.Lookup(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Lookup() error = %v, want ErrInvalidToken", err)
	}
}

func TestRegistry_Clear(t *testing.T) {
	reg := NewRegistry(newVerifier(t), time.Hour)

	a, _ := reg.Issue("website-1")
	b, _ := reg.Issue("website-2")
	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reg.Len())
	}

	reg.Clear()
	if reg.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", reg.Len())
	}
	for _, tok := range []string{a, b} {
		if _, err := reg.Lookup(tok); err == nil {
			t.Error("Lookup() should fail after Clear")
		}
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	reg := NewRegistry(newVerifier(t), time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := reg.Issue("website-1")
			if err != nil {
				t.Errorf("Issue() error = %v", err)
				return
			}
			if _, err := reg.Lookup(token); err != nil {
				t.Errorf("Lookup() error = %v", err)
			}
			reg.Revoke(token)
		}()
	}
	wg.Wait()

	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", reg.Len())
	}
}
