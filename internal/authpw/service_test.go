package authpw

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"marginalia/internal/apierr"
	"marginalia/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st, err := store.NewMemoryStore()
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	svc := NewService(st)
	svc.cost = bcrypt.MinCost
	return svc, st
}

func TestSignUp(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	t.Run("successful sign up", func(t *testing.T) {
		user, err := svc.SignUp(ctx, SignUpRequest{
			Username:    "alice",
			Email:       "Alice@Example.com",
			Password:    "password123",
			DisplayName: "Alice Liddell",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasPrefix(user.ID, "usr_") {
			t.Errorf("expected usr_ id, got %s", user.ID)
		}
		if user.Email != "alice@example.com" {
			t.Errorf("expected lowercased email, got %s", user.Email)
		}
		if user.Color != ColorFor("alice") {
			t.Errorf("expected palette colour %s, got %s", ColorFor("alice"), user.Color)
		}
		if user.PasswordHash == "password123" {
			t.Error("password stored in clear text")
		}

		stored, err := st.GetUserByUsername(ctx, "alice")
		if err != nil {
			t.Fatalf("GetUserByUsername: %v", err)
		}
		if stored.ID != user.ID {
			t.Errorf("expected stored user %s, got %s", user.ID, stored.ID)
		}
	})

	t.Run("display name defaults to username", func(t *testing.T) {
		user, err := svc.SignUp(ctx, SignUpRequest{Username: "bob", Email: "bob@example.com", Password: "password123"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.DisplayName != "bob" {
			t.Errorf("expected display name bob, got %s", user.DisplayName)
		}
	})

	t.Run("duplicate username", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{Username: "alice", Email: "other@example.com", Password: "password123"})
		if !apierr.Is(err, apierr.CodeConflict) {
			t.Errorf("expected conflict, got %v", err)
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{Username: "alice2", Email: "alice@example.com", Password: "password123"})
		if !apierr.Is(err, apierr.CodeConflict) {
			t.Errorf("expected conflict, got %v", err)
		}
	})

	t.Run("short password", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{Username: "carol", Email: "carol@example.com", Password: "short"})
		if !apierr.Is(err, apierr.CodeValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{})
		if !apierr.Is(err, apierr.CodeValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	created, err := svc.SignUp(ctx, SignUpRequest{Username: "alice", Email: "alice@example.com", Password: "password123"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	for _, login := range []string{"alice", "alice@example.com", "ALICE@example.com"} {
		t.Run("sign in with "+login, func(t *testing.T) {
			user, err := svc.SignIn(ctx, SignInRequest{Login: login, Password: "password123"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if user.ID != created.ID {
				t.Errorf("expected %s, got %s", created.ID, user.ID)
			}
		})
	}

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.SignIn(ctx, SignInRequest{Login: "alice", Password: "wrongpassword"})
		if !apierr.Is(err, apierr.CodeUnauthorized) {
			t.Errorf("expected unauthorized, got %v", err)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := svc.SignIn(ctx, SignInRequest{Login: "nobody", Password: "password123"})
		if !apierr.Is(err, apierr.CodeUnauthorized) {
			t.Errorf("expected unauthorized, got %v", err)
		}
	})
}

func TestColorFor(t *testing.T) {
	if ColorFor("alice") != ColorFor("Alice") {
		t.Error("colour should not depend on case")
	}
	seen := map[string]bool{}
	for _, c := range Palette {
		seen[c] = true
	}
	for _, name := range []string{"a", "bob", "carol", "dave", "erin"} {
		if !seen[ColorFor(name)] {
			t.Errorf("%s got colour outside the palette", name)
		}
	}
}
