// Package authpw provides username/password sign-up and sign-in.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"marginalia/internal/apierr"
	"marginalia/internal/logging"
	"marginalia/internal/store"
	"marginalia/internal/util"
	"marginalia/internal/validation"
)

// Palette is the set of display colours handed out at sign-up.
var Palette = []string{
	"#3B82F6", // blue
	"#EF4444", // red
	"#10B981", // green
	"#F59E0B", // amber
	"#8B5CF6", // violet
	"#EC4899", // pink
	"#14B8A6", // teal
	"#F97316", // orange
}

// UserStore defines the storage interface for auth
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
}

// Service provides username/password authentication
type Service struct {
	store UserStore
	cost  int
}

func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Username    string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	DisplayName string `json:"displayName" validate:"max=64"`
}

// SignInRequest accepts either the username or the email as Login.
type SignInRequest struct {
	Login    string `json:"login" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// SignUp creates a user with a hashed password and a palette colour. A taken
// username or email is a conflict.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := validate(req); err != nil {
		return store.User{}, err
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		PasswordHash: string(hash),
		Color:        ColorFor(req.Username),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return store.User{}, apierr.Conflict("Username or email already registered")
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}

	logging.From(ctx).Infof("signed up %s as %s", user.Username, user.ID)
	return user, nil
}

// SignIn checks the password. Unknown logins and wrong passwords get the same
// error.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	req.Login = strings.TrimSpace(req.Login)
	if err := validate(req); err != nil {
		return store.User{}, err
	}

	var (
		user store.User
		err  error
	)
	if strings.Contains(req.Login, "@") {
		user, err = s.store.GetUserByEmail(ctx, strings.ToLower(req.Login))
	} else {
		user, err = s.store.GetUserByUsername(ctx, req.Login)
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, apierr.Unauthorized("Invalid username or password")
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, apierr.Unauthorized("Invalid username or password")
	}
	return user, nil
}

// ColorFor picks a stable palette colour for a username.
func ColorFor(username string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(username)))
	return Palette[h.Sum32()%uint32(len(Palette))]
}

func validate(v any) error {
	if err := validation.ValidateStruct(v); err != nil {
		return apierr.FromValidation(err)
	}
	return nil
}
