package browser_test

import (
	"testing"

	"github.com/sre-norns/verdandi/pkg/browser"
	"github.com/stretchr/testify/require"
)

func TestParseLocator(t *testing.T) {
	testCases := map[string]struct {
		given       string
		expect      browser.Locator
		expectError bool
	}{
		"bare-id": {
			given:  "username",
			expect: browser.ID("username"),
		},
		"explicit-id": {
			given:  "id=login-button",
			expect: browser.ID("login-button"),
		},
		"css-hash": {
			given:  "#welcome-message",
			expect: browser.CSS("#welcome-message"),
		},
		"css-complex": {
			given:  `button[type="submit"], .login-btn`,
			expect: browser.CSS(`button[type="submit"], .login-btn`),
		},
		"explicit-css-with-equals": {
			given:  `css=input[name="email"]`,
			expect: browser.CSS(`input[name="email"]`),
		},
		"xpath": {
			given:  "//div[@id='x']",
			expect: browser.XPath("//div[@id='x']"),
		},
		"link-text": {
			given:  "link=Sign in",
			expect: browser.Locator{By: browser.ByLinkText, Value: "Sign in"},
		},
		"trimmed": {
			given:  "  name=q ",
			expect: browser.Locator{By: browser.ByName, Value: "q"},
		},
		"empty": {
			given:       "  ",
			expectError: true,
		},
		"strategy-without-value": {
			given:       "id=",
			expectError: true,
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			got, err := browser.ParseLocator(test.given)
			if test.expectError {
				require.ErrorIs(t, err, browser.ErrInvalidLocator)
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.expect, got)
		})
	}
}

func TestLocator_Rendering(t *testing.T) {
	testCases := map[string]struct {
		given     browser.Locator
		css       string
		cssOk     bool
		xpath     string
		xpathOk   bool
		stringVal string
	}{
		"id": {
			given:     browser.ID("username"),
			css:       "#username",
			cssOk:     true,
			xpath:     `//*[@id="username"]`,
			xpathOk:   true,
			stringVal: "id=username",
		},
		"id-starting-with-digit": {
			given:     browser.ID("1st"),
			css:       `[id="1st"]`,
			cssOk:     true,
			xpath:     `//*[@id="1st"]`,
			xpathOk:   true,
			stringVal: "id=1st",
		},
		"name": {
			given:     browser.Locator{By: browser.ByName, Value: "q"},
			css:       `[name="q"]`,
			cssOk:     true,
			xpath:     `//*[@name="q"]`,
			xpathOk:   true,
			stringVal: "name=q",
		},
		"class": {
			given:     browser.Locator{By: browser.ByClass, Value: "btn"},
			css:       ".btn",
			cssOk:     true,
			xpath:     `//*[contains(concat(' ', normalize-space(@class), ' '), " btn ")]`,
			xpathOk:   true,
			stringVal: "class=btn",
		},
		"compound-class": {
			given:     browser.Locator{By: browser.ByClass, Value: " btn  primary "},
			css:       ".btn.primary",
			cssOk:     true,
			xpath:     `//*[contains(concat(' ', normalize-space(@class), ' '), " btn ") and contains(concat(' ', normalize-space(@class), ' '), " primary ")]`,
			xpathOk:   true,
			stringVal: "class= btn  primary ",
		},
		"css": {
			given:     browser.CSS(".menu > a"),
			css:       ".menu > a",
			cssOk:     true,
			stringVal: "css=.menu > a",
		},
		"link-with-quotes": {
			given:     browser.Locator{By: browser.ByLinkText, Value: `say "hi"`},
			xpath:     `//a[normalize-space(.)='say "hi"']`,
			xpathOk:   true,
			stringVal: `link=say "hi"`,
		},
		"partial-link-both-quotes": {
			given:     browser.Locator{By: browser.ByPartialLinkText, Value: `it's "x"`},
			xpath:     `//a[contains(., concat("it's ", '"', "x", '"'))]`,
			xpathOk:   true,
			stringVal: `partial-link=it's "x"`,
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			css, ok := test.given.CSS()
			require.Equal(t, test.cssOk, ok)
			require.Equal(t, test.css, css)

			xpath, ok := test.given.XPath()
			require.Equal(t, test.xpathOk, ok)
			require.Equal(t, test.xpath, xpath)

			require.Equal(t, test.stringVal, test.given.String())
		})
	}
}

func TestLocator_Validate(t *testing.T) {
	require.NoError(t, browser.ID("x").Validate())
	require.ErrorIs(t, browser.Locator{By: "magic", Value: "x"}.Validate(), browser.ErrInvalidLocator)
	require.ErrorIs(t, browser.Locator{By: browser.ByCSS}.Validate(), browser.ErrInvalidLocator)
}

func TestNewLauncher(t *testing.T) {
	for _, engine := range []browser.Engine{"", browser.EngineChromedp, browser.EngineRod, browser.EnginePlaywright, browser.EngineWebDriver} {
		l, err := browser.NewLauncher(engine, browser.LaunchOptions{Headless: true})
		require.NoError(t, err)
		require.NotNil(t, l)
	}

	_, err := browser.NewLauncher("netscape", browser.LaunchOptions{})
	require.ErrorIs(t, err, browser.ErrUnknownEngine)

	require.Len(t, browser.Engines(), 4)
}
