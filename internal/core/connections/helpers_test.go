package connections

import (
	"context"
	"log/slog"

	"github.com/stretchr/testify/mock"

	"github.com/Transync-pro/transync-connect/internal/quickbooks"
)

// MockConnectionRepository is a mock implementation of ConnectionRepository
type MockConnectionRepository struct {
	mock.Mock
}

func (m *MockConnectionRepository) Upsert(ctx context.Context, conn *Connection) (*Connection, error) {
	args := m.Called(ctx, conn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Connection), args.Error(1)
}

func (m *MockConnectionRepository) GetByUserID(ctx context.Context, userID string) (*Connection, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Connection), args.Error(1)
}

func (m *MockConnectionRepository) UpdateTokens(ctx context.Context, userID string, tokens TokenUpdate) error {
	args := m.Called(ctx, userID, tokens)
	return args.Error(0)
}

func (m *MockConnectionRepository) Exists(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockConnectionRepository) Delete(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

// MockProvider is a mock implementation of Provider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) AuthorizeURL(p quickbooks.AuthorizeParams) string {
	args := m.Called(p)
	return args.String(0)
}

func (m *MockProvider) Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*quickbooks.TokenSet, error) {
	args := m.Called(ctx, code, redirectURI, codeVerifier)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*quickbooks.TokenSet), args.Error(1)
}

func (m *MockProvider) Refresh(ctx context.Context, refreshToken string) (*quickbooks.TokenSet, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*quickbooks.TokenSet), args.Error(1)
}

func (m *MockProvider) Revoke(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockProvider) GetCompanyInfo(ctx context.Context, accessToken, realmID string) (*quickbooks.CompanyInfo, error) {
	args := m.Called(ctx, accessToken, realmID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*quickbooks.CompanyInfo), args.Error(1)
}

// plainSealer passes tokens through with a marker prefix so tests can assert
// sealing happened without real crypto.
type plainSealer struct{}

func (plainSealer) Seal(token string) (string, error) {
	return "sealed:" + token, nil
}

func (plainSealer) Open(sealed string) (string, error) {
	if len(sealed) > 7 && sealed[:7] == "sealed:" {
		return sealed[7:], nil
	}
	return sealed, nil
}

func testLogger() *slog.Logger {
	return slog.Default()
}
