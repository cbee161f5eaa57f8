package browser

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	driver "github.com/sre-norns/verdandi/pkg/browser"
	"github.com/sre-norns/verdandi/pkg/browser/browsertest"
	"github.com/sre-norns/verdandi/pkg/cookies"
	"github.com/sre-norns/verdandi/pkg/pool"
	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/script"
)

const loginURL = "https://example.com/login"

var (
	usernameField = driver.CSS(DefaultUsernameSelector)
	passwordField = driver.CSS(DefaultPasswordSelector)
	submitButton  = driver.CSS(DefaultSubmitSelector)
	loggedIn      = driver.CSS(DefaultLoggedInSelector)
	captcha       = driver.CSS(DefaultCaptchaSelector)
)

func fakeLauncher(t *testing.T, page *browsertest.Page) *browsertest.Launcher {
	t.Helper()

	launcher := &browsertest.Launcher{Factory: func() *browsertest.Page { return page }}
	orig := newLauncher
	newLauncher = func(driver.Engine, driver.LaunchOptions) (driver.Launcher, error) {
		return launcher, nil
	}
	t.Cleanup(func() { newLauncher = orig })
	return launcher
}

func testOptions() prob.RunOptions {
	return prob.RunOptions{
		Browser: prob.BrowserOptions{
			ScreenshotOnFailure: true,
			PollInterval:        5 * time.Millisecond,
		},
		Env: map[string]string{"USER": "testuser"},
	}
}

func testVault(t *testing.T) *cookies.Vault {
	t.Helper()

	sealer, err := cookies.NewSealer("test-secret")
	require.NoError(t, err)
	return cookies.NewVault(cookies.NewMemoryStore(), sealer, nil)
}

func rels(artifacts []prob.Artifact) []string {
	result := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		result = append(result, a.Rel)
	}
	return result
}

func dashboardPage() *browsertest.Page {
	page := browsertest.NewPage()
	page.Add(driver.ID("username"), "")
	page.Add(driver.ID("login-button"), "Login")
	page.OnClick(driver.ID("login-button"), func(p *browsertest.Page) {
		p.Add(driver.ID("welcome-message"), "Welcome, testuser")
	})
	return page
}

func loginScript() *script.Script {
	return &script.Script{
		Name: "login",
		Steps: []script.Step{
			script.Type("username", "${USER}"),
			script.Click("login-button"),
			script.WaitFor("welcome-message", time.Second),
		},
	}
}

func TestResolve(t *testing.T) {
	testCases := map[string]struct {
		given       Spec
		expectSteps int
		expectErr   error
	}{
		"nothing": {
			given:     Spec{},
			expectErr: ErrNoScript,
		},
		"both": {
			given:     Spec{Script: loginScript(), Source: "driver.find_element(By.ID, \"x\").click()"},
			expectErr: ErrAmbiguousScript,
		},
		"script": {
			given:       Spec{Script: loginScript()},
			expectSteps: 3,
		},
		"empty-script": {
			given:     Spec{Script: &script.Script{}},
			expectErr: script.ErrEmptyScript,
		},
		"python-source": {
			given: Spec{
				Source: "driver.find_element(By.ID, \"login-button\").click()\ntime.sleep(1)\ntime.sleep(1)\n",
			},
			expectSteps: 2,
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			got, _, err := test.given.Resolve()
			if test.expectErr != nil {
				require.ErrorIs(t, err, test.expectErr)
				return
			}

			require.NoError(t, err)
			require.Len(t, got.Steps, test.expectSteps)
		})
	}
}

func TestRunScript_UnexpectedSpec(t *testing.T) {
	_, _, err := RunScript(context.Background(), &struct{}{}, testOptions(), nil, log.NewNopLogger())
	require.Error(t, err)
}

func TestRunScript(t *testing.T) {
	page := dashboardPage()
	launcher := fakeLauncher(t, page)
	page.SetCookies(context.Background(), []driver.Cookie{{Name: "session", Value: "abc", Domain: "example.com"}})

	registry := prometheus.NewRegistry()
	status, artifacts, err := RunScript(context.Background(), &Spec{Domain: "example.com", Script: loginScript()}, testOptions(), registry, log.NewNopLogger())
	require.NoError(t, err)
	require.Equal(t, prob.RunFinishedSuccess, status)
	require.Equal(t, []string{"screenshot.before", "screenshot.after", CookiesRelType}, rels(artifacts))
	require.Contains(t, string(artifacts[2].Content), `"session"`)

	el, err := page.Find(context.Background(), driver.ID("username"))
	require.NoError(t, err)
	require.Equal(t, "testuser", el.(*browsertest.Element).Value())

	require.Equal(t, 1, launcher.Launched())
	require.True(t, launcher.Browsers[0].IsClosed())
	require.True(t, page.Closed())

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "verdandi_browser_steps_total")
	require.Contains(t, names, "verdandi_browser_step_duration_seconds")
}

func TestRunScript_StepFailure(t *testing.T) {
	page := dashboardPage()
	fakeLauncher(t, page)

	spec := &Spec{Script: &script.Script{Steps: []script.Step{
		script.Click("login-button"),
		script.WaitFor("missing", 20*time.Millisecond),
	}}}

	status, artifacts, err := RunScript(context.Background(), spec, testOptions(), prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)
	require.Equal(t, prob.RunFinishedFailed, status)
	require.Equal(t, []string{"screenshot.before", "screenshot.failure"}, rels(artifacts))
}

func TestRunScript_ScreenshotStep(t *testing.T) {
	page := dashboardPage()
	fakeLauncher(t, page)

	spec := &Spec{Script: &script.Script{Steps: []script.Step{script.Screenshot("home")}}}
	status, artifacts, err := RunScript(context.Background(), spec, testOptions(), prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)
	require.Equal(t, prob.RunFinishedSuccess, status)
	require.Equal(t, []string{"screenshot.before", "screenshot.home", "screenshot.after"}, rels(artifacts))
	require.Equal(t, pngMimeType, artifacts[1].MimeType)
}

func loginPage() *browsertest.Page {
	page := dashboardPage()
	page.Add(usernameField, "")
	page.Add(passwordField, "")
	page.Add(submitButton, "Sign in")
	page.OnClick(submitButton, func(p *browsertest.Page) {
		p.SetURL("https://example.com/dashboard")
		p.SetCookies(context.Background(), []driver.Cookie{{Name: "session", Value: "fresh", Domain: "example.com"}})
	})
	return page
}

func TestRunScript_FormLogin(t *testing.T) {
	page := loginPage()
	fakeLauncher(t, page)
	vault := testVault(t)

	options := testOptions()
	options.Cookies = vault
	spec := &Spec{
		Domain:  "example.com",
		Account: "testuser",
		Script:  loginScript(),
		Login:   &LoginConfig{Username: "${USER}", Password: "secret"},
	}

	status, _, err := RunScript(context.Background(), spec, options, prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)
	require.Equal(t, prob.RunFinishedSuccess, status)

	actions := page.Actions()
	require.Equal(t, "visit "+loginURL, actions[0])
	require.Contains(t, actions, "type "+usernameField.String()+" testuser")
	require.Contains(t, actions, "type "+passwordField.String()+" secret")
	require.Contains(t, actions, "click "+submitButton.String())

	saved, ok, err := vault.Load(context.Background(), "example.com", "testuser")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, saved, 1)
	require.Equal(t, "fresh", saved[0].Value)
}

func TestRunScript_CookieLogin(t *testing.T) {
	page := loginPage()
	page.Add(loggedIn, "Profile")
	fakeLauncher(t, page)

	vault := testVault(t)
	_, err := vault.Save(context.Background(), "example.com", "", []driver.Cookie{{Name: "session", Value: "saved", Domain: "example.com"}})
	require.NoError(t, err)

	options := testOptions()
	options.Cookies = vault
	spec := &Spec{Domain: "example.com", Script: loginScript(), Login: &LoginConfig{Username: "u", Password: "p"}}

	status, _, err := RunScript(context.Background(), spec, options, prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)
	require.Equal(t, prob.RunFinishedSuccess, status)

	actions := page.Actions()
	require.Equal(t, []string{"set-cookies 1", "visit " + loginURL}, actions[:2])
	require.NotContains(t, actions, "click "+submitButton.String())
}

func TestRunScript_StaleCookies(t *testing.T) {
	orig := cookieCheckTimeout
	cookieCheckTimeout = 20 * time.Millisecond
	t.Cleanup(func() { cookieCheckTimeout = orig })

	page := loginPage()
	fakeLauncher(t, page)

	vault := testVault(t)
	_, err := vault.Save(context.Background(), "example.com", "", []driver.Cookie{{Name: "session", Value: "stale", Domain: "example.com"}})
	require.NoError(t, err)

	options := testOptions()
	options.Cookies = vault
	spec := &Spec{Domain: "example.com", Script: loginScript(), Login: &LoginConfig{Username: "u", Password: "p"}}

	status, _, err := RunScript(context.Background(), spec, options, prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)
	require.Equal(t, prob.RunFinishedSuccess, status)
	require.Contains(t, page.Actions(), "click "+submitButton.String())

	saved, ok, err := vault.Load(context.Background(), "example.com", "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fresh", saved[0].Value)
}

func TestRunScript_Captcha(t *testing.T) {
	page := loginPage()
	page.Add(captcha, "")
	fakeLauncher(t, page)

	spec := &Spec{Domain: "example.com", Script: loginScript(), Login: &LoginConfig{Username: "u", Password: "p"}}
	status, artifacts, err := RunScript(context.Background(), spec, testOptions(), prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)
	require.Equal(t, prob.RunFinishedFailed, status)
	require.Equal(t, []string{"screenshot.failure"}, rels(artifacts))
	require.NotContains(t, page.Actions(), "click "+submitButton.String())
}

func TestRunScript_Pool(t *testing.T) {
	page := dashboardPage()
	launcher := &browsertest.Launcher{Factory: func() *browsertest.Page { return page }}
	p := pool.New(launcher, pool.Config{MaxInstances: 1, MaxTabs: 1}, log.NewNopLogger())
	defer p.Close()

	options := testOptions()
	options.Pool = p
	spec := &Spec{Domain: "example.com", Script: loginScript()}

	for i := 0; i < 2; i++ {
		status, _, err := RunScript(context.Background(), spec, options, prometheus.NewRegistry(), log.NewNopLogger())
		require.NoError(t, err)
		require.Equal(t, prob.RunFinishedSuccess, status)
		page.Remove(driver.ID("welcome-message"))
	}
	require.Equal(t, 1, launcher.Launched())
}
