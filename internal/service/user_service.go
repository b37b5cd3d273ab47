package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/sirupsen/logrus"

	"user-auth/internal/auth"
	"user-auth/internal/domain"
	"user-auth/internal/repository"
)

var (
	// ErrInvalidCredentials covers unknown users, wrong passwords and bad or
	// expired tokens alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountDisabled indicates a valid identity whose account is deactivated.
	ErrAccountDisabled = errors.New("inactive user")
	// ErrUserAlreadyExists is returned when attempting to register with an existing username.
	ErrUserAlreadyExists = errors.New("user already exists")
	// ErrInvalidInput wraps registration validation failures.
	ErrInvalidInput = errors.New("invalid input")
)

// TokenTypeBearer is the token_type reported to clients.
const TokenTypeBearer = "bearer"

// TokenIssuer signs and decodes bearer tokens.
type TokenIssuer interface {
	IssueDefault(subject string) (string, time.Time, error)
	Decode(token string) (string, error)
}

// RegisterInput carries the fields accepted at registration.
type RegisterInput struct {
	Username string
	Password string
	FullName string
	Email    string
}

func (in RegisterInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Username, validation.Required, validation.Length(1, 64)),
		validation.Field(&in.Password, validation.Required, validation.Length(1, auth.MaxPasswordBytes)),
		validation.Field(&in.FullName, validation.Length(0, 128)),
		validation.Field(&in.Email, is.Email),
	)
}

// Token is the result of a successful login.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// AuthService describes registration, login and current-user resolution.
type AuthService interface {
	Register(ctx context.Context, in RegisterInput) (*domain.User, error)
	Authenticate(ctx context.Context, username, password string) (*domain.User, error)
	Login(ctx context.Context, username, password string) (*Token, error)
	ResolveCurrentUser(ctx context.Context, token string) (*domain.User, error)
}

type authService struct {
	users  repository.UserRepository
	hasher auth.PasswordHasher
	tokens TokenIssuer
	logger logrus.FieldLogger

	// dummyDigest is verified against for unknown users.
	dummyDigest string
}

func NewAuthService(users repository.UserRepository, hasher auth.PasswordHasher, tokens TokenIssuer, logger logrus.FieldLogger) AuthService {
	if logger == nil {
		logger = logrus.New()
	}
	svc := &authService{
		users:  users,
		hasher: hasher,
		tokens: tokens,
		logger: logger.WithField("component", "auth"),
	}
	digest, err := hasher.Hash("unknown-user-placeholder")
	if err != nil {
		svc.logger.WithError(err).Warn("compute placeholder digest")
	}
	svc.dummyDigest = digest
	return svc
}

func (s *authService) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = strings.TrimSpace(in.Email)

	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		if errors.Is(err, auth.ErrEmptyPassword) || errors.Is(err, auth.ErrPasswordTooLong) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		s.logger.WithError(err).Error("hash password failed")
		return nil, err
	}

	user := &domain.User{
		Username:     in.Username,
		FullName:     in.FullName,
		Email:        in.Email,
		PasswordHash: hash,
		Disabled:     false,
	}

	if _, err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateUser) {
			return nil, ErrUserAlreadyExists
		}
		s.logger.WithError(err).Error("create user failed")
		return nil, err
	}

	s.logger.WithField("username", user.Username).Info("user registered")
	return sanitizeUser(user), nil
}

func (s *authService) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			// keep the unknown-user path as slow as a wrong password
			s.hasher.Verify(password, s.dummyDigest)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return sanitizeUser(user), nil
}

func (s *authService) Login(ctx context.Context, username, password string) (*Token, error) {
	user, err := s.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.logger.WithField("username", username).Info("login rejected")
		}
		return nil, err
	}

	accessToken, expiresAt, err := s.tokens.IssueDefault(user.Username)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	return &Token{
		AccessToken: accessToken,
		TokenType:   TokenTypeBearer,
		ExpiresAt:   expiresAt,
	}, nil
}

func (s *authService) ResolveCurrentUser(ctx context.Context, token string) (*domain.User, error) {
	username, err := s.tokens.Decode(token)
	if err != nil {
		s.logger.WithError(err).Debug("token rejected")
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if user.Disabled {
		return nil, ErrAccountDisabled
	}

	return sanitizeUser(user), nil
}

func sanitizeUser(user *domain.User) *domain.User {
	if user == nil {
		return nil
	}
	return &domain.User{
		ID:        user.ID,
		Username:  user.Username,
		FullName:  user.FullName,
		Email:     user.Email,
		Disabled:  user.Disabled,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}
