package script

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sre-norns/verdandi/pkg/browser"
)

// Language of a snippet that Convert understands
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
)

var (
	ErrUnsupportedLanguage = fmt.Errorf("unsupported language")
	ErrSyntax              = fmt.Errorf("script syntax error")
)

// ParseLanguage accepts language names and their common short forms
func ParseLanguage(value string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "python", "py", "selenium":
		return LanguagePython, nil
	case "javascript", "js":
		return LanguageJavaScript, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, value)
}

// LanguageOf guesses language of a source file by its extension
func LanguageOf(filename string) (Language, bool) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".py":
		return LanguagePython, true
	case ".js", ".mjs":
		return LanguageJavaScript, true
	}
	return "", false
}

// SkippedLine is a source line that produced no steps
type SkippedLine struct {
	Line int    `json:"line" yaml:"line"`
	Text string `json:"text" yaml:"text"`
}

// Conversion is the outcome of translating a snippet into steps
type Conversion struct {
	Language Language      `json:"language" yaml:"language"`
	Script   Script        `json:"script" yaml:"script"`
	Notes    []string      `json:"notes,omitempty" yaml:"notes,omitempty"`
	Warnings []string      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Skipped  []SkippedLine `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

type lineRule struct {
	pattern *regexp.Regexp
	steps   func(m []string) ([]Step, error)
}

const (
	pyBy    = `(By\.[A-Z_]+|"[^"]+"|'[^']+')`
	pyValue = `["'](.+?)["']`
	jsQuery = `document\.(querySelector|getElementById)\(\s*["'](.+?)["']\s*\)`
)

var pythonRules = []lineRule{
	{
		pattern: regexp.MustCompile(`find_element\(\s*` + pyBy + `\s*,\s*` + pyValue + `\s*\)\.send_keys\(\s*` + pyValue + `\s*\)`),
		steps: func(m []string) ([]Step, error) {
			target, err := pythonTarget(m[1], m[2])
			return []Step{Type(target, m[3])}, err
		},
	},
	{
		pattern: regexp.MustCompile(`find_element\(\s*` + pyBy + `\s*,\s*` + pyValue + `\s*\)\.click\(\s*\)`),
		steps: func(m []string) ([]Step, error) {
			target, err := pythonTarget(m[1], m[2])
			return []Step{Click(target)}, err
		},
	},
	{
		pattern: regexp.MustCompile(`find_element\(\s*` + pyBy + `\s*,\s*` + pyValue + `\s*\)\.clear\(\s*\)`),
		steps: func(m []string) ([]Step, error) {
			target, err := pythonTarget(m[1], m[2])
			return []Step{Clear(target)}, err
		},
	},
	{
		pattern: regexp.MustCompile(`\bdriver\.get\(\s*` + pyValue + `\s*\)`),
		steps: func(m []string) ([]Step, error) {
			return []Step{Visit(m[1])}, nil
		},
	},
	{
		pattern: regexp.MustCompile(`time\.sleep\(\s*(\d+(?:\.\d+)?)\s*\)`),
		steps: func(m []string) ([]Step, error) {
			d, err := seconds(m[1])
			return []Step{Pause(d)}, err
		},
	},
	{
		pattern: regexp.MustCompile(`WebDriverWait\(\s*\w+\s*,\s*(\d+(?:\.\d+)?)\s*\)\.until\(\s*(?:EC\.|expected_conditions\.)?(presence_of_element_located|visibility_of_element_located|element_to_be_clickable|invisibility_of_element_located)\(\s*\(\s*` + pyBy + `\s*,\s*` + pyValue + `\s*\)`),
		steps: func(m []string) ([]Step, error) {
			timeout, err := seconds(m[1])
			if err != nil {
				return nil, err
			}
			target, err := pythonTarget(m[3], m[4])
			if err != nil {
				return nil, err
			}
			if m[2] == "invisibility_of_element_located" {
				return []Step{WaitGone(target, timeout)}, nil
			}
			return []Step{WaitFor(target, timeout)}, nil
		},
	},
}

var javaScriptRules = []lineRule{
	{
		pattern: regexp.MustCompile(jsQuery + `\.click\(\s*\)`),
		steps: func(m []string) ([]Step, error) {
			return []Step{Click(jsTarget(m[1], m[2]))}, nil
		},
	},
	{
		pattern: regexp.MustCompile(jsQuery + `\.value\s*=\s*["'](.*?)["']`),
		steps: func(m []string) ([]Step, error) {
			target := jsTarget(m[1], m[2])
			if m[3] == "" {
				return []Step{Clear(target)}, nil
			}
			// Assignment replaces the value
			return []Step{Clear(target), Type(target, m[3])}, nil
		},
	},
	{
		pattern: regexp.MustCompile(`(?:window\.)?location(?:\.href)?\s*=\s*["'](.+?)["']`),
		steps: func(m []string) ([]Step, error) {
			return []Step{Visit(m[1])}, nil
		},
	},
	{
		pattern: regexp.MustCompile(`setTimeout\(.+?,\s*(\d+)\s*\)`),
		steps: func(m []string) ([]Step, error) {
			ms, err := strconv.Atoi(m[1])
			return []Step{Pause(time.Duration(ms) * time.Millisecond)}, err
		},
	},
	{
		pattern: regexp.MustCompile(`waitForSelector\(\s*["'](.+?)["']\s*(?:,\s*\{[^}]*timeout:\s*(\d+)[^}]*\})?`),
		steps: func(m []string) ([]Step, error) {
			var timeout time.Duration
			if m[2] != "" {
				ms, err := strconv.Atoi(m[2])
				if err != nil {
					return nil, err
				}
				timeout = time.Duration(ms) * time.Millisecond
			}
			return []Step{WaitFor(browser.CSS(m[1]).String(), timeout)}, nil
		},
	},
}

var pythonStrategies = map[string]browser.Strategy{
	"ID":                browser.ByID,
	"CSS_SELECTOR":      browser.ByCSS,
	"XPATH":             browser.ByXPath,
	"NAME":              browser.ByName,
	"CLASS_NAME":        browser.ByClass,
	"TAG_NAME":          browser.ByTag,
	"LINK_TEXT":         browser.ByLinkText,
	"PARTIAL_LINK_TEXT": browser.ByPartialLinkText,
	// WebDriver wire names used as plain strings
	"id":                browser.ByID,
	"css selector":      browser.ByCSS,
	"xpath":             browser.ByXPath,
	"name":              browser.ByName,
	"class name":        browser.ByClass,
	"tag name":          browser.ByTag,
	"link text":         browser.ByLinkText,
	"partial link text": browser.ByPartialLinkText,
}

func pythonTarget(by, value string) (string, error) {
	key := strings.TrimPrefix(by, "By.")
	key = strings.Trim(key, `"'`)
	strategy, ok := pythonStrategies[key]
	if !ok {
		return "", fmt.Errorf("unknown locator strategy %q", by)
	}

	return browser.Locator{By: strategy, Value: value}.String(), nil
}

func jsTarget(fn, value string) string {
	if fn == "getElementById" {
		return browser.ID(value).String()
	}
	return browser.CSS(value).String()
}

func seconds(value string) (time.Duration, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

var (
	warnAlert        = regexp.MustCompile(`\balert\s*\(`)
	warnConfirm      = regexp.MustCompile(`\bconfirm\s*\(`)
	warnLocalStorage = regexp.MustCompile(`\blocalStorage\b`)
)

// Convert translates a Selenium Python or DOM JavaScript snippet into a script.
// Lines that do not map onto a step are reported in Conversion.Skipped.
func Convert(source string, language Language) (Conversion, error) {
	var (
		rules   []lineRule
		comment string
	)
	switch language {
	case LanguagePython:
		rules, comment = pythonRules, "#"
	case LanguageJavaScript:
		rules, comment = javaScriptRules, "//"
	default:
		return Conversion{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}

	if err := checkBrackets(source, language); err != nil {
		return Conversion{}, err
	}

	result := Conversion{Language: language}
	for i, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, comment) || isBoilerplate(line, language) {
			continue
		}

		steps, err := convertLine(line, rules)
		if err != nil {
			return Conversion{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		if len(steps) == 0 {
			result.Skipped = append(result.Skipped, SkippedLine{Line: i + 1, Text: line})
			continue
		}
		result.Script.Steps = append(result.Script.Steps, steps...)
	}

	result.Script.Steps = mergePauses(result.Script.Steps)
	result.Notes = conversionNotes(source, language)
	result.Warnings = conversionWarnings(source)

	return result, nil
}

// convertLine applies all rules so a JS line with several statements produces all its steps
func convertLine(line string, rules []lineRule) ([]Step, error) {
	type match struct {
		at    int
		steps []Step
	}

	var matches []match
	for _, rule := range rules {
		for _, loc := range rule.pattern.FindAllStringSubmatchIndex(line, -1) {
			m := make([]string, len(loc)/2)
			for g := range m {
				if loc[2*g] >= 0 {
					m[g] = line[loc[2*g]:loc[2*g+1]]
				}
			}
			steps, err := rule.steps(m)
			if err != nil {
				return nil, err
			}
			matches = append(matches, match{at: loc[0], steps: steps})
		}
	}

	// Keep source order of statements
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].at < matches[j-1].at; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}

	var result []Step
	for _, m := range matches {
		result = append(result, m.steps...)
	}
	return result, nil
}

func isBoilerplate(line string, language Language) bool {
	if language != LanguagePython {
		return false
	}
	return strings.HasPrefix(line, "import ") || strings.HasPrefix(line, "from ")
}

// mergePauses folds runs of consecutive pauses into one
func mergePauses(steps []Step) []Step {
	result := make([]Step, 0, len(steps))
	for _, step := range steps {
		if n := len(result); n > 0 && step.Action == ActionPause && result[n-1].Action == ActionPause {
			result[n-1].Duration += step.Duration
			continue
		}
		result = append(result, step)
	}
	return result
}

func conversionNotes(source string, language Language) []string {
	var notes []string
	switch language {
	case LanguagePython:
		if strings.Contains(source, "find_element") {
			notes = append(notes, "find_element calls converted to element steps")
		}
		if strings.Contains(source, "time.sleep") {
			notes = append(notes, "time.sleep converted to pause")
		}
		if strings.Contains(source, "WebDriverWait") {
			notes = append(notes, "WebDriverWait converted to explicit wait")
		}
	case LanguageJavaScript:
		if strings.Contains(source, "querySelector") {
			notes = append(notes, "querySelector selectors converted to css locators")
		}
		if strings.Contains(source, "setTimeout") {
			notes = append(notes, "setTimeout converted to pause")
		}
	}
	return notes
}

func conversionWarnings(source string) []string {
	var warnings []string
	if warnAlert.MatchString(source) {
		warnings = append(warnings, "alert dialogs need manual handling")
	}
	if warnConfirm.MatchString(source) {
		warnings = append(warnings, "confirm dialogs need manual conversion")
	}
	if warnLocalStorage.MatchString(source) {
		warnings = append(warnings, "localStorage access needs manual conversion")
	}
	return warnings
}

var closers = map[rune]rune{')': '(', ']': '[', '}': '{'}

// checkBrackets verifies that brackets outside of string literals and comments are balanced
func checkBrackets(source string, language Language) error {
	var (
		errs  []error
		stack []rune
		quote rune
		line  = 1
	)
	runes := []rune(source)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\n' {
			line++
			if language == LanguagePython {
				quote = 0
			}
			continue
		}

		if quote != 0 {
			switch r {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}

		switch {
		case r == '"' || r == '\'' || r == '`':
			quote = r
		case language == LanguagePython && r == '#',
			language == LanguageJavaScript && r == '/' && i+1 < len(runes) && runes[i+1] == '/':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			i--
		case r == '(' || r == '[' || r == '{':
			stack = append(stack, r)
		case r == ')' || r == ']' || r == '}':
			if len(stack) == 0 || stack[len(stack)-1] != closers[r] {
				errs = append(errs, fmt.Errorf("line %d: unexpected %q", line, r))
				continue
			}
			stack = stack[:len(stack)-1]
		}
	}

	for _, open := range stack {
		errs = append(errs, fmt.Errorf("unclosed %q", open))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrSyntax, errors.Join(errs...))
	}
	return nil
}
