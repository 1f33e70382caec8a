package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	id "auditchain/pkg/domain"
	dErrors "auditchain/pkg/domain-errors"
	"auditchain/pkg/requestcontext"
)

type AuthSuite struct {
	suite.Suite
	validator *HMACValidator
	logger    *slog.Logger
	tenantID  id.TenantID
	userID    id.UserID
}

func TestAuthSuite(t *testing.T) {
	suite.Run(t, new(AuthSuite))
}

func (s *AuthSuite) SetupTest() {
	s.validator = NewHMACValidator("test-signing-key", "https://idp.test", "auditchain")
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.tenantID = id.TenantID(uuid.New())
	s.userID = id.UserID(uuid.New())
}

func (s *AuthSuite) serve(authHeader string) (*httptest.ResponseRecorder, *http.Request) {
	var seen *http.Request
	handler := RequireAuth(s.validator, s.logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, seen
}

func (s *AuthSuite) TestValidTokenPopulatesContext() {
	token, err := s.validator.Issue(s.tenantID, s.userID, time.Minute)
	s.Require().NoError(err)

	w, seen := s.serve("Bearer " + token)

	s.Equal(http.StatusOK, w.Code)
	s.Require().NotNil(seen)
	s.Equal(s.tenantID, requestcontext.TenantID(seen.Context()))
	s.Equal(s.userID, requestcontext.UserID(seen.Context()))
}

func (s *AuthSuite) TestMissingHeader() {
	w, seen := s.serve("")
	s.Equal(http.StatusUnauthorized, w.Code)
	s.Nil(seen)
}

func (s *AuthSuite) TestExpiredToken() {
	token, err := s.validator.Issue(s.tenantID, s.userID, -time.Minute)
	s.Require().NoError(err)

	w, _ := s.serve("Bearer " + token)
	s.Equal(http.StatusUnauthorized, w.Code)

	_, err = s.validator.ValidateToken(token)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *AuthSuite) TestTokenWithoutTenantRejected() {
	claims := Claims{
		UserID: s.userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://idp.test",
			Audience:  jwt.ClaimStrings{"auditchain"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	s.Require().NoError(err)

	w, seen := s.serve("Bearer " + token)
	s.Equal(http.StatusUnauthorized, w.Code)
	s.Nil(seen)
}

func (s *AuthSuite) TestWrongIssuerRejected() {
	other := NewHMACValidator("test-signing-key", "https://evil.test", "auditchain")
	token, err := other.Issue(s.tenantID, s.userID, time.Minute)
	s.Require().NoError(err)

	_, err = s.validator.ValidateToken(token)
	s.Error(err)
}

func TestValidateToken_RejectsAlgorithmConfusion(t *testing.T) {
	validator := NewHMACValidator("test-signing-key", "", "")
	claims := Claims{
		TenantID: uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}

	cases := []struct {
		name   string
		method jwt.SigningMethod
		key    any
	}{
		{name: "hs512 rejected", method: jwt.SigningMethodHS512, key: []byte("test-signing-key")},
		{name: "alg none rejected", method: jwt.SigningMethodNone, key: jwt.UnsafeAllowNoneSignatureType},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(tt.method, claims).SignedString(tt.key)
			require.NoError(t, err)

			_, err = validator.ValidateToken(token)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
		})
	}
}
