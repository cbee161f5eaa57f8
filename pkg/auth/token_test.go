package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "correct-horse-battery-staple"

func TestNewAuthority(t *testing.T) {
	_, err := NewAuthority("short")
	require.ErrorIs(t, err, ErrWeakSecret)

	_, err = NewAuthority(testSecret)
	require.NoError(t, err)
}

func TestIssueVerify(t *testing.T) {
	authority, err := NewAuthority(testSecret)
	require.NoError(t, err)

	now := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)
	authority.now = func() time.Time { return now }

	worker, err := authority.Issue("worker-1", RoleWorker, time.Hour)
	require.NoError(t, err)
	forever, err := authority.Issue("ops", RoleOperator, 0)
	require.NoError(t, err)

	other, err := NewAuthority("another-secret-of-enough-length")
	require.NoError(t, err)
	foreign, err := other.Issue("worker-1", RoleWorker, 0)
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleOperator}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	testCases := map[string]struct {
		given         string
		after         time.Duration
		expectRole    Role
		expectSubject string
		expectError   bool
		expectExpired bool
	}{
		"worker":         {given: worker, expectRole: RoleWorker, expectSubject: "worker-1"},
		"operator":       {given: forever, after: 24 * 365 * time.Hour, expectRole: RoleOperator, expectSubject: "ops"},
		"expired":        {given: worker, after: 2 * time.Hour, expectError: true, expectExpired: true},
		"foreign-secret": {given: foreign, expectError: true},
		"unsigned":       {given: noneAlg, expectError: true},
		"garbage":        {given: "not.a.token", expectError: true},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			authority.now = func() time.Time { return now.Add(test.after) }
			defer func() { authority.now = func() time.Time { return now } }()

			got, err := authority.Verify(test.given)
			if test.expectError {
				require.Error(t, err)
				require.Equal(t, test.expectExpired, IsExpired(err))
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.expectRole, got.Role)
			require.Equal(t, test.expectSubject, got.Subject)
		})
	}

	_, err = authority.Issue("nobody", Role("admin"), 0)
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	authority, err := NewAuthority(testSecret)
	require.NoError(t, err)
	worker, err := authority.Issue("worker-1", RoleWorker, 0)
	require.NoError(t, err)
	operator, err := authority.Issue("ops", RoleOperator, 0)
	require.NoError(t, err)

	router := gin.New()
	router.GET("/report", authority.Middleware(RoleWorker, RoleOperator), func(ctx *gin.Context) {
		claims, ok := ClaimsFrom(ctx)
		require.True(t, ok)
		ctx.String(http.StatusOK, claims.Subject)
	})
	router.GET("/admin", authority.Middleware(RoleOperator), func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "ok")
	})

	testCases := map[string]struct {
		path       string
		header     string
		expectCode int
		expectBody string
	}{
		"no-token":       {path: "/report", expectCode: http.StatusUnauthorized},
		"wrong-scheme":   {path: "/report", header: "Basic " + worker, expectCode: http.StatusUnauthorized},
		"bad-token":      {path: "/report", header: "Bearer nope", expectCode: http.StatusUnauthorized},
		"worker":         {path: "/report", header: "Bearer " + worker, expectCode: http.StatusOK, expectBody: "worker-1"},
		"query-token":    {path: "/report?token=" + operator, expectCode: http.StatusOK, expectBody: "ops"},
		"worker-admin":   {path: "/admin", header: "Bearer " + worker, expectCode: http.StatusForbidden},
		"operator-admin": {path: "/admin", header: "Bearer " + operator, expectCode: http.StatusOK, expectBody: "ok"},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, test.path, nil)
			if test.header != "" {
				req.Header.Set("Authorization", test.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			require.Equal(t, test.expectCode, rec.Code)
			if test.expectBody != "" {
				require.Equal(t, test.expectBody, rec.Body.String())
			}
		})
	}
}
