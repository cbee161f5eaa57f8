package browser

import (
	"fmt"
	"strings"
)

// Strategy is the way an element is looked up in a page
type Strategy string

const (
	ByID              Strategy = "id"
	ByCSS             Strategy = "css"
	ByXPath           Strategy = "xpath"
	ByName            Strategy = "name"
	ByClass           Strategy = "class"
	ByTag             Strategy = "tag"
	ByLinkText        Strategy = "link"
	ByPartialLinkText Strategy = "partial-link"
)

var knownStrategies = map[Strategy]struct{}{
	ByID:              {},
	ByCSS:             {},
	ByXPath:           {},
	ByName:            {},
	ByClass:           {},
	ByTag:             {},
	ByLinkText:        {},
	ByPartialLinkText: {},
}

// Locator is a (strategy, value) pair identifying elements in a page
type Locator struct {
	By    Strategy `json:"by" yaml:"by"`
	Value string   `json:"value" yaml:"value"`
}

func ID(value string) Locator    { return Locator{By: ByID, Value: value} }
func CSS(value string) Locator   { return Locator{By: ByCSS, Value: value} }
func XPath(value string) Locator { return Locator{By: ByXPath, Value: value} }

// ParseLocator reads a locator from its string form.
// Accepted forms are `strategy=value`, `#id` or `.class` CSS selectors, `//...` XPath expressions
// and a bare identifier, which is an element ID. Any other bare value is treated as a CSS selector.
func ParseLocator(value string) (Locator, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Locator{}, fmt.Errorf("%w: empty locator", ErrInvalidLocator)
	}

	if prefix, rest, ok := strings.Cut(value, "="); ok {
		if _, known := knownStrategies[Strategy(prefix)]; known {
			rest = strings.TrimSpace(rest)
			if rest == "" {
				return Locator{}, fmt.Errorf("%w: %q has no value", ErrInvalidLocator, value)
			}
			return Locator{By: Strategy(prefix), Value: rest}, nil
		}
	}

	switch {
	case strings.HasPrefix(value, "//") || strings.HasPrefix(value, "(/"):
		return XPath(value), nil
	case isIdentifier(value):
		return ID(value), nil
	default:
		return CSS(value), nil
	}
}

func (l Locator) String() string {
	return fmt.Sprintf("%s=%s", l.By, l.Value)
}

// Validate checks that the locator has a known strategy and a value
func (l Locator) Validate() error {
	if _, ok := knownStrategies[l.By]; !ok {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidLocator, l.By)
	}
	if l.Value == "" {
		return fmt.Errorf("%w: empty %s value", ErrInvalidLocator, l.By)
	}
	return nil
}

// CSS renders the locator as a CSS selector. Link text locators have no CSS form.
func (l Locator) CSS() (string, bool) {
	switch l.By {
	case ByCSS:
		return l.Value, true
	case ByID:
		if isIdentifier(l.Value) && !startsWithDigit(l.Value) {
			return "#" + l.Value, true
		}
		return fmt.Sprintf("[id=%s]", cssString(l.Value)), true
	case ByName:
		return fmt.Sprintf("[name=%s]", cssString(l.Value)), true
	case ByClass:
		return "." + strings.Join(strings.Fields(l.Value), "."), true
	case ByTag:
		return l.Value, true
	}
	return "", false
}

// XPath renders the locator as an XPath expression. CSS locators have no XPath form.
func (l Locator) XPath() (string, bool) {
	switch l.By {
	case ByXPath:
		return l.Value, true
	case ByID:
		return fmt.Sprintf("//*[@id=%s]", xpathString(l.Value)), true
	case ByName:
		return fmt.Sprintf("//*[@name=%s]", xpathString(l.Value)), true
	case ByClass:
		classes := strings.Fields(l.Value)
		conds := make([]string, 0, len(classes))
		for _, class := range classes {
			conds = append(conds, fmt.Sprintf("contains(concat(' ', normalize-space(@class), ' '), %s)", xpathString(" "+class+" ")))
		}
		return fmt.Sprintf("//*[%s]", strings.Join(conds, " and ")), true
	case ByTag:
		return "//" + l.Value, true
	case ByLinkText:
		return fmt.Sprintf("//a[normalize-space(.)=%s]", xpathString(l.Value)), true
	case ByPartialLinkText:
		return fmt.Sprintf("//a[contains(., %s)]", xpathString(l.Value)), true
	}
	return "", false
}

func isIdentifier(value string) bool {
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return value != ""
}

func startsWithDigit(value string) bool {
	return value != "" && value[0] >= '0' && value[0] <= '9'
}

func cssString(value string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value) + `"`
}

// xpathString quotes a literal for XPath 1.0 which has no escape sequences
func xpathString(value string) string {
	if !strings.Contains(value, `"`) {
		return `"` + value + `"`
	}
	if !strings.Contains(value, `'`) {
		return `'` + value + `'`
	}

	parts := strings.Split(value, `"`)
	quoted := make([]string, 0, 2*len(parts))
	for i, part := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		if part != "" {
			quoted = append(quoted, `"`+part+`"`)
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
