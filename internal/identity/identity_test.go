package identity

import (
	"errors"
	"testing"
	"time"
)

func TestStoreLoginLogout(t *testing.T) {
	s := NewStore()
	if _, ok := s.Current(); ok {
		t.Fatal("expected new store to be logged out")
	}

	var events []bool
	s.OnChange(func(op Operator, loggedIn bool) {
		events = append(events, loggedIn)
	})

	if err := s.Login(Operator{ID: " a1 ", Name: "Ada", Role: "admin"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	op, ok := s.Current()
	if !ok || op.ID != "a1" {
		t.Fatalf("expected a1 logged in, got %+v (%v)", op, ok)
	}

	s.Logout()
	s.Logout()
	if _, ok := s.Current(); ok {
		t.Fatal("expected logged out")
	}
	if len(events) != 2 || !events[0] || events[1] {
		t.Errorf("unexpected observer events %v", events)
	}

	if err := s.Login(Operator{Name: "no id"}); err == nil {
		t.Error("expected error for operator without id")
	}
}

func TestTokenServiceIssueVerify(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)
	token, err := svc.Issue(Operator{ID: "a1", Name: "Ada", Role: "moderator"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	op, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if op.ID != "a1" || op.Name != "Ada" || op.Role != "moderator" {
		t.Fatalf("unexpected operator %+v", op)
	}
	if op.Token != token {
		t.Error("expected operator to carry the token")
	}
}

func TestTokenServiceRejects(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)
	other := NewTokenService("other", time.Hour)

	token, err := other.Issue(Operator{ID: "a1"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for foreign signature, got %v", err)
	}

	expired := NewTokenService("secret", -time.Hour)
	token, _ = expired.Issue(Operator{ID: "a1"})
	if _, err := svc.Verify(token); err != nil {
		t.Errorf("token without exp should verify, got %v", err)
	}

	if _, err := svc.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}

	disabled := NewTokenService("", time.Hour)
	if _, err := disabled.Issue(Operator{ID: "a1"}); !errors.Is(err, ErrSigningDisabled) {
		t.Errorf("expected ErrSigningDisabled, got %v", err)
	}
}

func TestFromToken(t *testing.T) {
	svc := NewTokenService("gateway-secret", time.Hour)
	token, err := svc.Issue(Operator{ID: "op-7", Name: "Grace", Role: "admin"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	op, err := FromToken(token)
	if err != nil {
		t.Fatalf("FromToken() error = %v", err)
	}
	if op.ID != "op-7" || op.Name != "Grace" || op.Role != "admin" {
		t.Fatalf("unexpected operator %+v", op)
	}

	if _, err := FromToken("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}
