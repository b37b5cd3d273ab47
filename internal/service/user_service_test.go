package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"user-auth/internal/auth"
	"user-auth/internal/domain"
	"user-auth/internal/repository"
	"user-auth/internal/repository/sqlite"
)

type fixture struct {
	svc    AuthService
	users  repository.UserRepository
	tokens *auth.TokenIssuer
	logs   *test.Hook
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlite.Migrate(context.Background(), db, nil))

	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{Secret: "test-secret", TTL: 30 * time.Minute})
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	users := sqlite.NewUserRepository(db)
	return fixture{
		svc:    NewAuthService(users, auth.NewBcryptHasher(bcrypt.MinCost), tokens, logger),
		users:  users,
		tokens: tokens,
		logs:   hook,
	}
}

func TestRegisterLoginResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.svc.Register(ctx, RegisterInput{Username: "alice", Password: "correct", FullName: "Alice", Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.False(t, user.Disabled)
	assert.Empty(t, user.PasswordHash)

	token, err := f.svc.Login(ctx, "alice", "correct")
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
	assert.Equal(t, TokenTypeBearer, token.TokenType)
	assert.True(t, token.ExpiresAt.After(time.Now()))

	current, err := f.svc.ResolveCurrentUser(ctx, token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", current.Username)
	assert.Equal(t, "alice@example.com", current.Email)
	assert.Empty(t, current.PasswordHash)
}

func TestRegister_StoresDigestNotPlaintext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, RegisterInput{Username: "alice", Password: "correct"})
	require.NoError(t, err)

	stored, err := f.users.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, "correct", stored.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("correct")))
}

func TestLogin_InvalidCredentialsAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, RegisterInput{Username: "alice", Password: "correct"})
	require.NoError(t, err)

	_, wrongPassword := f.svc.Login(ctx, "alice", "wrong")
	_, unknownUser := f.svc.Login(ctx, "ghost", "x")

	assert.ErrorIs(t, wrongPassword, ErrInvalidCredentials)
	assert.ErrorIs(t, unknownUser, ErrInvalidCredentials)
	assert.Equal(t, wrongPassword, unknownUser)
	assert.Equal(t, wrongPassword.Error(), unknownUser.Error())
}

func TestLogin_EmptyFields(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Login(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegister_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, RegisterInput{Username: "alice", Password: "first"})
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, RegisterInput{Username: "alice", Password: "second"})
	assert.ErrorIs(t, err, ErrUserAlreadyExists)

	// the original account is untouched
	_, err = f.svc.Login(ctx, "alice", "first")
	assert.NoError(t, err)
}

func TestRegister_InvalidInput(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		in   RegisterInput
	}{
		{name: "missing username", in: RegisterInput{Password: "secret"}},
		{name: "blank username", in: RegisterInput{Username: "   ", Password: "secret"}},
		{name: "missing password", in: RegisterInput{Username: "alice"}},
		{name: "bad email", in: RegisterInput{Username: "alice", Password: "secret", Email: "not-an-email"}},
		{name: "password too long", in: RegisterInput{Username: "alice", Password: string(make([]byte, auth.MaxPasswordBytes+1))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestResolveCurrentUser_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, RegisterInput{Username: "alice", Password: "correct"})
	require.NoError(t, err)

	zeroTTL, _, err := f.tokens.Issue("alice", 0)
	require.NoError(t, err)
	_, err = f.svc.ResolveCurrentUser(ctx, zeroTTL)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	past := f.tokens.WithClock(func() time.Time { return time.Now().Add(-time.Hour) })
	stale, _, err := past.IssueDefault("alice")
	require.NoError(t, err)
	_, err = f.svc.ResolveCurrentUser(ctx, stale)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestResolveCurrentUser_GarbageAndUnknownSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ResolveCurrentUser(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	orphan, _, err := f.tokens.IssueDefault("nobody")
	require.NoError(t, err)
	_, err = f.svc.ResolveCurrentUser(ctx, orphan)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestResolveCurrentUser_DisabledAfterLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, RegisterInput{Username: "alice", Password: "correct"})
	require.NoError(t, err)

	token, err := f.svc.Login(ctx, "alice", "correct")
	require.NoError(t, err)

	_, err = f.svc.ResolveCurrentUser(ctx, token.AccessToken)
	require.NoError(t, err)

	require.NoError(t, f.users.SetDisabled(ctx, "alice", true))

	_, err = f.svc.ResolveCurrentUser(ctx, token.AccessToken)
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

type failingRepo struct {
	err error
}

func (r failingRepo) Create(context.Context, *domain.User) (int64, error) { return 0, r.err }
func (r failingRepo) GetByUsername(context.Context, string) (*domain.User, error) {
	return nil, r.err
}
func (r failingRepo) GetByID(context.Context, int64) (*domain.User, error) { return nil, r.err }
func (r failingRepo) SetDisabled(context.Context, string, bool) error     { return r.err }

func TestStorageErrorsPassThrough(t *testing.T) {
	f := newFixture(t)
	storageErr := repository.NewStorageError("select user", errors.New("unable to open database file"))
	svc := NewAuthService(failingRepo{err: storageErr}, auth.NewBcryptHasher(bcrypt.MinCost), f.tokens, nil)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Username: "alice", Password: "correct"})
	assert.True(t, repository.IsStorageError(err))

	_, err = svc.Login(ctx, "alice", "correct")
	assert.True(t, repository.IsStorageError(err))
	assert.NotErrorIs(t, err, ErrInvalidCredentials)

	token, _, err := f.tokens.IssueDefault("alice")
	require.NoError(t, err)
	_, err = svc.ResolveCurrentUser(ctx, token)
	assert.True(t, repository.IsStorageError(err))
}

func TestLogin_LogsRejection(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Login(context.Background(), "ghost", "x")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	entry := f.logs.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "login rejected", entry.Message)
	assert.Equal(t, "ghost", entry.Data["username"])
}

func TestLogin_RejectsPasswordExtendedPastLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	password := strings.Repeat("a", auth.MaxPasswordBytes)

	_, err := f.svc.Register(ctx, RegisterInput{Username: "alice", Password: password})
	require.NoError(t, err)

	token, err := f.svc.Login(ctx, "alice", password+"WRONG")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Nil(t, token)

	_, err = f.svc.Login(ctx, "alice", password)
	assert.NoError(t, err)
}

type countingHasher struct {
	auth.PasswordHasher
	hashErr error
	hashes  int
}

func (h *countingHasher) Hash(password string) (string, error) {
	h.hashes++
	if h.hashErr != nil {
		return "", h.hashErr
	}
	return h.PasswordHasher.Hash(password)
}

func TestRegister_HasherFailureIsNotInvalidInput(t *testing.T) {
	f := newFixture(t)
	hashErr := errors.New("hash password: entropy source unavailable")
	hasher := &countingHasher{PasswordHasher: auth.NewBcryptHasher(bcrypt.MinCost), hashErr: hashErr}
	svc := NewAuthService(f.users, hasher, f.tokens, nil)

	_, err := svc.Register(context.Background(), RegisterInput{Username: "alice", Password: "correct"})
	assert.ErrorIs(t, err, hashErr)
	assert.NotErrorIs(t, err, ErrInvalidInput)
}

func TestUnknownUser_PlaceholderDigestPrecomputed(t *testing.T) {
	f := newFixture(t)
	hasher := &countingHasher{PasswordHasher: auth.NewBcryptHasher(bcrypt.MinCost)}
	svc := NewAuthService(f.users, hasher, f.tokens, nil)
	require.Equal(t, 1, hasher.hashes)

	_, err := svc.Login(context.Background(), "ghost", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 1, hasher.hashes)
}
