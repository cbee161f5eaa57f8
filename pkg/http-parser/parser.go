package httpparser

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var ErrMalformedRequest = fmt.Errorf("malformed request")

// Request is a single HTTP call of a request script
type Request struct {
	Name    string            `json:"name,omitempty" yaml:"name,omitempty"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`

	// Expected response status. Zero accepts any status below 400.
	ExpectStatus int `json:"expectStatus,omitempty" yaml:"expectStatus,omitempty"`
}

var varRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expand(s string, lookup func(string) (string, bool)) string {
	return varRe.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := lookup(m[2 : len(m)-1]); ok {
			return v
		}
		return m
	})
}

// Expand replaces ${NAME} references in the URL, header values and body
func (r Request) Expand(lookup func(string) (string, bool)) Request {
	result := r
	result.URL = expand(r.URL, lookup)
	result.Body = expand(r.Body, lookup)
	if len(r.Headers) > 0 {
		result.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			result.Headers[k] = expand(v, lookup)
		}
	}
	return result
}

// Accepts reports whether a response status satisfies the expectation
func (r Request) Accepts(status int) bool {
	if r.ExpectStatus != 0 {
		return status == r.ExpectStatus
	}
	return status < 400
}

func (r Request) Build(ctx context.Context) (*http.Request, error) {
	target, err := parseURL(r.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target URL: %w", err)
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}

	result, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range r.Headers {
		if strings.EqualFold(k, "Host") {
			result.Host = v
			continue
		}
		result.Header.Set(k, v)
	}

	return result, nil
}

// parseURL accepts short forms like `go.dev/test`, guessing the scheme from the port
func parseURL(uri string) (*url.URL, error) {
	if !strings.Contains(uri, "://") && !strings.HasPrefix(uri, "//") {
		uri = "//" + uri
	}

	result, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if result.Host == "" {
		return nil, fmt.Errorf("%w: no host in %q", ErrMalformedRequest, uri)
	}

	if result.Scheme == "" {
		result.Scheme = "https"
		if result.Port() == "80" || result.Port() == "http" {
			result.Scheme = "http"
		}
	}

	return result, nil
}

type parserState int

const (
	stateRequestLine parserState = iota
	stateHeaders
	stateBody
)

type requestParser struct {
	requests []Request

	state   parserState
	current Request
	body    []string
	lineNo  int
}

func (p *requestParser) reset(name string) {
	p.state = stateRequestLine
	p.current = Request{Name: name}
	p.body = nil
}

func (p *requestParser) finish() {
	if p.current.URL == "" {
		return
	}

	p.current.Body = strings.TrimRight(strings.Join(p.body, "\n"), " \t\r\n")
	p.requests = append(p.requests, p.current)
}

func stripComment(line string) string {
	if i := strings.Index(line, " #"); i >= 0 {
		return line[:i]
	}
	return line
}

func (p *requestParser) onComment(comment string) error {
	comment = strings.TrimSpace(comment)
	if !strings.HasPrefix(comment, "@expect") {
		return nil
	}

	code, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(comment, "@expect")))
	if err != nil || code < 100 || code > 599 {
		return fmt.Errorf("%w: line %d: bad expected status %q", ErrMalformedRequest, p.lineNo, comment)
	}
	p.current.ExpectStatus = code
	return nil
}

func (p *requestParser) onRequestLine(line string) error {
	fields := strings.Fields(stripComment(line))
	switch len(fields) {
	case 0:
		return nil
	case 1:
		p.current.URL = fields[0]
	case 2, 3:
		p.current.Method = strings.ToUpper(fields[0])
		p.current.URL = fields[1]
		if len(fields) == 3 && !strings.HasPrefix(fields[2], "HTTP/") {
			return fmt.Errorf("%w: line %d: unexpected protocol %q", ErrMalformedRequest, p.lineNo, fields[2])
		}
	default:
		return fmt.Errorf("%w: line %d: expected `METHOD URL [HTTP/version]`", ErrMalformedRequest, p.lineNo)
	}

	p.state = stateHeaders
	return nil
}

func (p *requestParser) onHeader(line string) error {
	name, value, ok := strings.Cut(line, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" || strings.ContainsAny(name, " \t") {
		return fmt.Errorf("%w: line %d: expected a header", ErrMalformedRequest, p.lineNo)
	}

	if p.current.Headers == nil {
		p.current.Headers = map[string]string{}
	}
	p.current.Headers[http.CanonicalHeaderKey(name)] = strings.TrimSpace(value)
	return nil
}

// A short form request is a bare URL: it has no headers or body, so the next line starts a new request
func (p *requestParser) nextShortForm(trimmed string) error {
	p.finish()
	p.reset("")
	if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
		return p.onComment(strings.TrimLeft(trimmed, "#/"))
	}
	return p.onRequestLine(trimmed)
}

func (p *requestParser) onLine(line string) error {
	trimmed := strings.TrimSpace(line)

	if strings.HasPrefix(trimmed, "###") {
		p.finish()
		p.reset(strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
		return nil
	}

	switch p.state {
	case stateRequestLine:
		if trimmed == "" {
			return nil
		}
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
			return p.onComment(strings.TrimLeft(trimmed, "#/"))
		}
		return p.onRequestLine(trimmed)

	case stateHeaders:
		if p.current.Method == "" && trimmed != "" {
			return p.nextShortForm(trimmed)
		}
		if trimmed == "" {
			p.state = stateBody
			return nil
		}
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
			return p.onComment(strings.TrimLeft(trimmed, "#/"))
		}
		return p.onHeader(trimmed)

	default:
		if p.current.Method == "" {
			if trimmed == "" {
				return nil
			}
			return p.nextShortForm(trimmed)
		}
		p.body = append(p.body, line)
		return nil
	}
}

// Parse reads requests in the `.http` file format: requests separated by `###` lines, each made of a request
// line, headers and an optional body after a blank line. A `# @expect <status>` comment sets the expected status.
func Parse(script io.Reader) ([]Request, error) {
	parser := requestParser{requests: []Request{}}
	parser.reset("")
	scanner := bufio.NewScanner(script)

	for scanner.Scan() {
		parser.lineNo++
		if err := parser.onLine(strings.TrimRight(scanner.Text(), "\r")); err != nil {
			return nil, fmt.Errorf("failed to parse request script: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading request script: %w", err)
	}

	parser.finish()
	return parser.requests, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
