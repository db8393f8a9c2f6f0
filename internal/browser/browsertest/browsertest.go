// Package browsertest provides a scripted in-memory browser for tests. A
// Driver serves Screens by URL prefix; element click hooks move the page to
// other screens.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"rewards-automation/internal/auth"
	"rewards-automation/internal/browser"
)

// Screen is what the page shows: a set of elements keyed by the CSS
// selector that finds them, and optional raw HTML.
type Screen struct {
	HTML     string
	Elements map[string][]*Element
}

func NewScreen() *Screen {
	return &Screen{Elements: map[string][]*Element{}}
}

func (s *Screen) Add(css string, els ...*Element) *Screen {
	s.Elements[css] = append(s.Elements[css], els...)
	return s
}

func (s *Screen) WithHTML(html string) *Screen {
	s.HTML = html
	return s
}

func (s *Screen) Remove(css string) *Screen {
	delete(s.Elements, css)
	return s
}

func (s *Screen) html() string {
	if s.HTML != "" {
		return s.HTML
	}
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, els := range s.Elements {
		for _, el := range els {
			b.WriteString(el.Markup)
		}
	}
	b.WriteString("</body></html>")
	return b.String()
}

type route struct {
	prefix string
	screen func() *Screen
}

type Driver struct {
	mu        sync.Mutex
	routes    []route
	LaunchErr error
	// NavigateErrs is handed to every launched page; each navigation pops one.
	NavigateErrs []error
	Specs        []browser.LaunchSpec
	Pages        []*Page
}

func NewDriver() *Driver {
	return &Driver{}
}

// Route serves screen for every URL starting with prefix; the longest prefix
// wins and a later route replaces an earlier one with the same prefix. The
// same screen value is shown on every visit, so hook mutations persist.
func (d *Driver) Route(prefix string, screen *Screen) *Driver {
	return d.RouteFunc(prefix, func() *Screen { return screen })
}

// RouteFunc builds a fresh screen on every visit.
func (d *Driver) RouteFunc(prefix string, build func() *Screen) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes = append(d.routes, route{prefix: prefix, screen: build})
	return d
}

func (d *Driver) Launch(ctx context.Context, spec browser.LaunchSpec) (browser.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.Specs = append(d.Specs, spec)
	if d.LaunchErr != nil {
		return nil, d.LaunchErr
	}
	p := &Page{
		driver:       d,
		screen:       NewScreen(),
		cookies:      append([]auth.Cookie(nil), spec.Cookies...),
		navigateErrs: append([]error(nil), d.NavigateErrs...),
	}
	d.Pages = append(d.Pages, p)
	return p, nil
}

func (d *Driver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Specs)
}

// Closes sums Close calls over every page.
func (d *Driver) Closes() int {
	d.mu.Lock()
	pages := append([]*Page(nil), d.Pages...)
	d.mu.Unlock()
	n := 0
	for _, p := range pages {
		n += p.CloseCalls()
	}
	return n
}

func (d *Driver) screenFor(url string) *Screen {
	d.mu.Lock()
	defer d.mu.Unlock()
	var best *route
	for i := range d.routes {
		r := &d.routes[i]
		if strings.HasPrefix(url, r.prefix) && (best == nil || len(r.prefix) >= len(best.prefix)) {
			best = r
		}
	}
	if best == nil {
		return NewScreen()
	}
	return best.screen()
}

type Page struct {
	driver *Driver

	mu           sync.Mutex
	url          string
	screen       *Screen
	cookies      []auth.Cookie
	navigateErrs []error
	navigations  []string
	closeCalls   int
	mouseMoves   int
	scrolls      int
}

// Show replaces the current screen without navigating.
func (p *Page) Show(s *Screen) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screen = s
}

// Redirect changes the URL and shows the screen routed for it.
func (p *Page) Redirect(url string) {
	screen := p.driver.screenFor(url)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.screen = screen
}

func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

func (p *Page) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closeCalls > 0 {
		p.mu.Unlock()
		return browser.ErrPageClosed
	}
	p.navigations = append(p.navigations, url)
	if len(p.navigateErrs) > 0 {
		err := p.navigateErrs[0]
		p.navigateErrs = p.navigateErrs[1:]
		p.mu.Unlock()
		if err != nil {
			return err
		}
	} else {
		p.mu.Unlock()
	}
	p.Redirect(url)
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeCalls > 0 {
		return "", browser.ErrPageClosed
	}
	return p.screen.html(), nil
}

func (p *Page) Elements(ctx context.Context, css string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeCalls > 0 {
		return nil, browser.ErrPageClosed
	}
	els := p.screen.Elements[css]
	out := make([]browser.Element, len(els))
	for i, el := range els {
		el.mu.Lock()
		el.page = p
		el.mu.Unlock()
		out[i] = el
	}
	return out, nil
}

func (p *Page) MoveMouse(ctx context.Context, x, y float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mouseMoves++
	return nil
}

func (p *Page) Scroll(ctx context.Context, dx, dy float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrolls++
	return nil
}

func (p *Page) Cookies(ctx context.Context) ([]auth.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]auth.Cookie(nil), p.cookies...), nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	return nil
}

// Element is a scripted DOM node.
type Element struct {
	Label     string
	TextValue string
	Attrs     map[string]string
	Markup    string
	Hidden    bool
	X, Y      float64

	// OnClick runs after a successful click.
	OnClick func(p *Page) error
	// OnEnter runs when Enter is pressed on the element.
	OnEnter func(p *Page) error
	// ClickErrs are returned by the next clicks, one per click.
	ClickErrs []error
	// BlockClicks makes the next n clicks hang until their context ends.
	BlockClicks int

	mu     sync.Mutex
	page   *Page
	clicks int
	typed  strings.Builder
	keys   []browser.Key
}

func NewElement(label string) *Element {
	return &Element{Label: label, TextValue: label, Attrs: map[string]string{}, Markup: fmt.Sprintf("<div>%s</div>", label)}
}

func (e *Element) WithMarkup(html string) *Element {
	e.Markup = html
	return e
}

func (e *Element) WithAttr(name, value string) *Element {
	e.Attrs[name] = value
	return e
}

func (e *Element) WithText(text string) *Element {
	e.TextValue = text
	return e
}

func (e *Element) Do(hook func(p *Page) error) *Element {
	e.OnClick = hook
	return e
}

func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

func (e *Element) Typed() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typed.String()
}

func (e *Element) Keys() []browser.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]browser.Key(nil), e.keys...)
}

func (e *Element) Click(ctx context.Context) error {
	e.mu.Lock()
	e.clicks++
	if e.BlockClicks > 0 {
		e.BlockClicks--
		e.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	if len(e.ClickErrs) > 0 {
		err := e.ClickErrs[0]
		e.ClickErrs = e.ClickErrs[1:]
		e.mu.Unlock()
		return err
	}
	hook, page := e.OnClick, e.page
	e.mu.Unlock()

	if hook != nil {
		return hook(page)
	}
	return nil
}

func (e *Element) Input(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.typed.WriteString(text)
	return nil
}

func (e *Element) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.typed.Reset()
	return nil
}

func (e *Element) Press(ctx context.Context, key browser.Key) error {
	e.mu.Lock()
	e.keys = append(e.keys, key)
	if key == browser.KeyBackspace {
		r := []rune(e.typed.String())
		e.typed.Reset()
		if len(r) > 0 {
			e.typed.WriteString(string(r[:len(r)-1]))
		}
	}
	hook, page := e.OnEnter, e.page
	e.mu.Unlock()

	if key == browser.KeyEnter && hook != nil {
		return hook(page)
	}
	return nil
}

func (e *Element) Text(ctx context.Context) (string, error) { return e.TextValue, nil }

func (e *Element) Attribute(ctx context.Context, name string) (string, bool, error) {
	v, ok := e.Attrs[name]
	return v, ok, nil
}

func (e *Element) HTML(ctx context.Context) (string, error) { return e.Markup, nil }

func (e *Element) Visible(ctx context.Context) (bool, error) { return !e.Hidden, nil }

func (e *Element) Center(ctx context.Context) (float64, float64, error) { return e.X, e.Y, nil }
