package browser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tebeka/selenium"
)

func TestWebDriverCookies(t *testing.T) {
	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	testCases := map[string]struct {
		given  Cookie
		expect Cookie
	}{
		"persistent": {
			given:  Cookie{Name: "session", Value: "s3cr3t", Domain: ".example.com", Path: "/", Secure: true, Expires: expires},
			expect: Cookie{Name: "session", Value: "s3cr3t", Domain: ".example.com", Path: "/", Secure: true, Expires: expires},
		},
		"session-cookie": {
			given:  Cookie{Name: "pref", Value: "dark", Domain: "example.com", Path: "/"},
			expect: Cookie{Name: "pref", Value: "dark", Domain: "example.com", Path: "/"},
		},
		"http-only-dropped": {
			given:  Cookie{Name: "sid", Value: "1", Domain: "example.com", Path: "/", HTTPOnly: true},
			expect: Cookie{Name: "sid", Value: "1", Domain: "example.com", Path: "/"},
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			wd := toWebDriverCookie(test.given)
			if test.given.IsSession() {
				require.Zero(t, wd.Expiry)
			} else {
				require.Equal(t, uint(expires.Unix()), wd.Expiry)
			}

			require.Equal(t, test.expect, fromWebDriverCookie(*wd))
		})
	}
}

func TestFromWebDriverCookie_NoExpiry(t *testing.T) {
	got := fromWebDriverCookie(selenium.Cookie{Name: "a", Value: "b"})
	require.True(t, got.IsSession())
}
