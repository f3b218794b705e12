package security_test

import (
	"context"
	"testing"
	"time"

	"scout-sync/internal/entitysync/adapter/security"
	"scout-sync/internal/entitysync/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type TokenServiceTestSuite struct {
	suite.Suite
	config  config.AuthConfig
	service *security.TokenService
}

func (suite *TokenServiceTestSuite) SetupTest() {
	suite.config = config.AuthConfig{
		JWTSecretKey:   "test-secret-key-32-characters-long-12345",
		JWTIssuer:      "test-issuer",
		AccessTokenTTL: 15 * time.Minute,
	}

	service, err := security.NewTokenService(suite.config)
	require.NoError(suite.T(), err)
	suite.service = service
}

func (suite *TokenServiceTestSuite) TestNewTokenService_ValidationErrors() {
	testCases := []struct {
		name         string
		modifyConfig func(*config.AuthConfig)
		expectedErr  string
	}{
		{"empty secret key", func(cfg *config.AuthConfig) { cfg.JWTSecretKey = "" }, "jwt secret key cannot be empty"},
		{"empty issuer", func(cfg *config.AuthConfig) { cfg.JWTIssuer = "" }, "jwt issuer cannot be empty"},
		{"zero TTL", func(cfg *config.AuthConfig) { cfg.AccessTokenTTL = 0 }, "jwt access token TTL must be positive"},
	}

	for _, tc := range testCases {
		suite.Run(tc.name, func() {
			cfg := suite.config
			tc.modifyConfig(&cfg)

			service, err := security.NewTokenService(cfg)

			assert.Nil(suite.T(), service)
			assert.EqualError(suite.T(), err, tc.expectedErr)
		})
	}
}

func (suite *TokenServiceTestSuite) TestIssueAndVerify() {
	token, err := suite.service.Issue("scout-7", []string{"teams", "reports"})
	require.NoError(suite.T(), err)

	principal, err := suite.service.Verify(context.Background(), token)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "scout-7", principal.UserID)
	assert.True(suite.T(), principal.CanAccess("reports"))
	assert.False(suite.T(), principal.CanAccess("matches"))
}

func (suite *TokenServiceTestSuite) TestIssue_RequiresUser() {
	_, err := suite.service.Issue("", nil)
	assert.Error(suite.T(), err)
}

func (suite *TokenServiceTestSuite) TestVerify_Rejections() {
	other, err := security.NewTokenService(config.AuthConfig{
		JWTSecretKey:   "another-secret-key-32-characters-long-0",
		JWTIssuer:      suite.config.JWTIssuer,
		AccessTokenTTL: time.Minute,
	})
	require.NoError(suite.T(), err)
	foreign, err := other.Issue("scout-7", []string{"*"})
	require.NoError(suite.T(), err)

	wrongIssuer, err := security.NewTokenService(config.AuthConfig{
		JWTSecretKey:   suite.config.JWTSecretKey,
		JWTIssuer:      "someone-else",
		AccessTokenTTL: time.Minute,
	})
	require.NoError(suite.T(), err)
	misissued, err := wrongIssuer.Issue("scout-7", []string{"*"})
	require.NoError(suite.T(), err)

	expiredClaims := &security.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "scout-7",
			Issuer:    suite.config.JWTIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expiredClaims).SignedString([]byte(suite.config.JWTSecretKey))
	require.NoError(suite.T(), err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, &security.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "scout-7", Issuer: suite.config.JWTIssuer},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(suite.T(), err)

	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", security.ErrTokenInvalid},
		{"malformed", "not-a-jwt", security.ErrTokenInvalid},
		{"foreign signature", foreign, security.ErrTokenSignatureInvalid},
		{"wrong issuer", misissued, security.ErrTokenInvalid},
		{"expired", expired, security.ErrTokenExpired},
		{"unsigned", noneToken, security.ErrTokenSignatureInvalid},
	}
	for _, tc := range testCases {
		suite.Run(tc.name, func() {
			principal, err := suite.service.Verify(context.Background(), tc.token)
			assert.Nil(suite.T(), principal)
			assert.ErrorIs(suite.T(), err, tc.want)
		})
	}
}

func TestTokenServiceTestSuite(t *testing.T) {
	suite.Run(t, new(TokenServiceTestSuite))
}
