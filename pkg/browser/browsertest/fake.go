// Package browsertest provides in-memory browser pages for tests of code driving pkg/browser
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sre-norns/verdandi/pkg/browser"
)

// Page is a scripted fake browser.Page. Elements are keyed by exact locator.
type Page struct {
	mu sync.Mutex

	url      string
	title    string
	elements map[browser.Locator]*Element
	appearAt map[browser.Locator]time.Time
	onClick  map[browser.Locator]func(p *Page)
	onVisit  map[string]func(p *Page)
	cookies  []browser.Cookie
	actions  []string
	closed   bool

	ScreenshotData []byte
}

func NewPage() *Page {
	return &Page{
		url:            "about:blank",
		elements:       map[browser.Locator]*Element{},
		appearAt:       map[browser.Locator]time.Time{},
		onClick:        map[browser.Locator]func(p *Page){},
		onVisit:        map[string]func(p *Page){},
		ScreenshotData: []byte("\x89PNG fake"),
	}
}

// Add places an element into the page
func (p *Page) Add(loc browser.Locator, text string) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()

	el := &Element{page: p, loc: loc, text: text}
	p.elements[loc] = el
	delete(p.appearAt, loc)
	return el
}

// AddAfter places an element that becomes visible to lookups only after delay
func (p *Page) AddAfter(loc browser.Locator, text string, delay time.Duration) *Element {
	el := p.Add(loc, text)

	p.mu.Lock()
	p.appearAt[loc] = time.Now().Add(delay)
	p.mu.Unlock()
	return el
}

func (p *Page) Remove(loc browser.Locator) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.elements, loc)
}

// OnClick registers a side effect of clicking an element, i.e. navigation
func (p *Page) OnClick(loc browser.Locator, fn func(p *Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onClick[loc] = fn
}

// OnVisit registers a side effect of navigating to the URL
func (p *Page) OnVisit(url string, fn func(p *Page)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onVisit[url] = fn
}

// SetURL changes current location without recording an action
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.url = url
}

func (p *Page) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.title = title
}

// Actions returns a log of interactions, e.g. `click id=login`
func (p *Page) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.actions...)
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

func (p *Page) record(format string, args ...any) {
	p.actions = append(p.actions, fmt.Sprintf(format, args...))
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.url = url
	p.record("visit %s", url)
	fn := p.onVisit[url]
	p.mu.Unlock()

	if fn != nil {
		fn(p)
	}
	return nil
}

func (p *Page) FindAll(ctx context.Context, loc browser.Locator) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	el, ok := p.elements[loc]
	if !ok {
		return nil, nil
	}
	if at, delayed := p.appearAt[loc]; delayed && time.Now().Before(at) {
		return nil, nil
	}
	return []browser.Element{el}, nil
}

func (p *Page) Find(ctx context.Context, loc browser.Locator) (browser.Element, error) {
	elements, err := p.FindAll(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(elements) == 0 {
		return nil, fmt.Errorf("%w: %v", browser.ErrNoSuchElement, loc)
	}
	return elements[0], nil
}

func (p *Page) URL(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.url, nil
}

func (p *Page) Title(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.title, nil
}

func (p *Page) Screenshot(_ context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.record("screenshot")
	return p.ScreenshotData, nil
}

func (p *Page) Cookies(_ context.Context) ([]browser.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]browser.Cookie(nil), p.cookies...), nil
}

func (p *Page) SetCookies(_ context.Context, cookies []browser.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range cookies {
		replaced := false
		for i := range p.cookies {
			if p.cookies[i].Name == c.Name && p.cookies[i].Domain == c.Domain {
				p.cookies[i] = c
				replaced = true
			}
		}
		if !replaced {
			p.cookies = append(p.cookies, c)
		}
	}
	p.record("set-cookies %d", len(cookies))
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	return nil
}

// Element is a fake element that records typed text
type Element struct {
	page *Page
	loc  browser.Locator
	text string

	value string
}

// Value returns text typed into the element
func (e *Element) Value() string {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()

	return e.value
}

func (e *Element) SendKeys(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.page.mu.Lock()
	defer e.page.mu.Unlock()

	e.value += text
	e.page.record("type %v %s", e.loc, text)
	return nil
}

func (e *Element) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.page.mu.Lock()
	defer e.page.mu.Unlock()

	e.value = ""
	e.page.record("clear %v", e.loc)
	return nil
}

func (e *Element) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.page.mu.Lock()
	e.page.record("click %v", e.loc)
	fn := e.page.onClick[e.loc]
	e.page.mu.Unlock()

	if fn != nil {
		fn(e.page)
	}
	return nil
}

func (e *Element) Text(_ context.Context) (string, error) {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()

	return e.text, nil
}

// SetText changes text content of the element
func (e *Element) SetText(text string) {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()

	e.text = text
}

// Browser hands out pages produced by a factory and counts open pages
type Browser struct {
	NewPageFunc func() *Page

	opened atomic.Int32
	closed atomic.Bool
}

func NewBrowser(factory func() *Page) *Browser {
	if factory == nil {
		factory = NewPage
	}
	return &Browser{NewPageFunc: factory}
}

func (b *Browser) NewPage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, browser.ErrBrowserNotReady
	}

	b.opened.Add(1)
	return b.NewPageFunc(), nil
}

func (b *Browser) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *Browser) IsClosed() bool {
	return b.closed.Load()
}

// PagesOpened is the number of pages opened since creation
func (b *Browser) PagesOpened() int {
	return int(b.opened.Load())
}

// Launcher returns a launcher producing new fake browsers and remembers them
type Launcher struct {
	mu       sync.Mutex
	Factory  func() *Page
	Browsers []*Browser
}

func (l *Launcher) Launch(ctx context.Context) (browser.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := NewBrowser(l.Factory)
	l.Browsers = append(l.Browsers, b)
	return b, nil
}

func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.Browsers)
}
