package script_test

import (
	"os"
	"testing"
	"time"

	"github.com/sre-norns/verdandi/pkg/script"
	"github.com/stretchr/testify/require"
)

func TestConvert_SampleLoginFlow(t *testing.T) {
	source, err := os.ReadFile("testdata/sample.py")
	require.NoError(t, err)

	got, err := script.Convert(string(source), script.LanguagePython)
	require.NoError(t, err)

	require.Equal(t, []script.Step{
		script.Type("id=username", "testuser"),
		script.Type("id=password", "testpass"),
		script.Click("id=login-button"),
		script.Pause(2 * time.Second),
		script.Click("id=dashboard-link"),
		script.WaitFor("id=welcome-message", 10*time.Second),
	}, got.Script.Steps)
	require.Empty(t, got.Skipped)
	require.Empty(t, got.Warnings)
	require.Len(t, got.Notes, 3)
	require.NoError(t, got.Script.Validate())
}

func TestConvert(t *testing.T) {
	testCases := map[string]struct {
		source      string
		language    script.Language
		expect      []script.Step
		expectError error
	}{
		"js-click": {
			source:   `document.querySelector("#button").click();`,
			language: script.LanguageJavaScript,
			expect:   []script.Step{script.Click("css=#button")},
		},
		"js-input": {
			source:   `document.querySelector("#input").value = "test";`,
			language: script.LanguageJavaScript,
			expect:   []script.Step{script.Clear("css=#input"), script.Type("css=#input", "test")},
		},
		"js-get-element-by-id": {
			source:   `document.getElementById('login').click()`,
			language: script.LanguageJavaScript,
			expect:   []script.Step{script.Click("id=login")},
		},
		"js-navigation-and-wait": {
			source: "window.location.href = 'https://example.com/login';\n" +
				"// comment line\n" +
				"await page.waitForSelector('.form', { timeout: 5000 });",
			language: script.LanguageJavaScript,
			expect: []script.Step{
				script.Visit("https://example.com/login"),
				script.WaitFor("css=.form", 5*time.Second),
			},
		},
		"js-pauses-merge": {
			source:   "setTimeout(function(){}, 1000);\nsetTimeout(function(){}, 2000);",
			language: script.LanguageJavaScript,
			expect:   []script.Step{script.Pause(3 * time.Second)},
		},
		"js-two-statements-one-line": {
			source:   `document.querySelector(".a").click(); document.querySelector(".b").click();`,
			language: script.LanguageJavaScript,
			expect:   []script.Step{script.Click("css=.a"), script.Click("css=.b")},
		},
		"python-navigation": {
			source:   `driver.get("https://example.com")`,
			language: script.LanguagePython,
			expect:   []script.Step{script.Visit("https://example.com")},
		},
		"python-css-and-xpath": {
			source: "driver.find_element(By.CSS_SELECTOR, '#menu > a').click()\n" +
				"driver.find_element(By.XPATH, \"//input[@name='q']\").clear()",
			language: script.LanguagePython,
			expect: []script.Step{
				script.Click("css=#menu > a"),
				script.Clear("xpath=//input[@name='q']"),
			},
		},
		"python-fractional-sleep-merge": {
			source:   "time.sleep(0.5)\ntime.sleep(1)",
			language: script.LanguagePython,
			expect:   []script.Step{script.Pause(1500 * time.Millisecond)},
		},
		"python-wait-gone": {
			source:   `WebDriverWait(driver, 3).until(EC.invisibility_of_element_located((By.CLASS_NAME, "spinner")))`,
			language: script.LanguagePython,
			expect:   []script.Step{script.WaitGone("class=spinner", 3*time.Second)},
		},
		"unbalanced-js": {
			source:      `document.querySelector("#test").click(`,
			language:    script.LanguageJavaScript,
			expectError: script.ErrSyntax,
		},
		"unbalanced-python-square": {
			source:      `items = [1, 2`,
			language:    script.LanguagePython,
			expectError: script.ErrSyntax,
		},
		"brackets-in-strings-are-ignored": {
			source:   `driver.find_element(By.ID, "x").send_keys("a(b[")`,
			language: script.LanguagePython,
			expect:   []script.Step{script.Type("id=x", "a(b[")},
		},
		"unsupported-language": {
			source:      "puts 'hi'",
			language:    script.Language("ruby"),
			expectError: script.ErrUnsupportedLanguage,
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			got, err := script.Convert(test.source, test.language)
			if test.expectError != nil {
				require.ErrorIs(t, err, test.expectError)
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.expect, got.Script.Steps)
		})
	}
}

func TestConvert_WarningsAndSkipped(t *testing.T) {
	got, err := script.Convert(`alert("test"); localStorage.setItem("key", "value");`, script.LanguageJavaScript)
	require.NoError(t, err)

	require.Empty(t, got.Script.Steps)
	require.Equal(t, []string{
		"alert dialogs need manual handling",
		"localStorage access needs manual conversion",
	}, got.Warnings)
	require.Len(t, got.Skipped, 1)
	require.Equal(t, 1, got.Skipped[0].Line)
}

func TestParseLanguage(t *testing.T) {
	lang, err := script.ParseLanguage("JS")
	require.NoError(t, err)
	require.Equal(t, script.LanguageJavaScript, lang)

	_, err = script.ParseLanguage("cobol")
	require.ErrorIs(t, err, script.ErrUnsupportedLanguage)

	lang, ok := script.LanguageOf("flows/login.py")
	require.True(t, ok)
	require.Equal(t, script.LanguagePython, lang)

	_, ok = script.LanguageOf("flow.yaml")
	require.False(t, ok)
}
