package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"rewards-automation/internal/auth"
	"rewards-automation/pkg/logger"
)

// RodDriver launches one Chromium-family browser process per session.
type RodDriver struct {
	logger logger.Logger
}

func NewRodDriver(log logger.Logger) *RodDriver {
	return &RodDriver{logger: log}
}

func (d *RodDriver) Launch(ctx context.Context, spec LaunchSpec) (Page, error) {
	bin := spec.Bin
	if bin == "" {
		if found, ok := FindBrowser(); ok {
			bin = found
		}
	}

	l := launcher.New().
		Context(ctx).
		Headless(spec.Headless).
		Leakless(false).
		Set("disable-blink-features", "AutomationControlled").
		Set("no-first-run").
		Set("no-default-browser-check")
	if bin != "" {
		l = l.Bin(bin)
	}
	if spec.UserDataDir != "" {
		l = l.UserDataDir(spec.UserDataDir)
	}
	if spec.ProxyURL != "" {
		l = l.Proxy(spec.ProxyURL)
	}
	if spec.Language != "" {
		l = l.Set("lang", spec.Language)
	}

	d.logger.Debug("starting browser process", "bin", bin, "user_data_dir", spec.UserDataDir)
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	page, err := stealth.Page(browser)
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	p := &rodPage{browser: browser, page: page, launcher: l}
	if err := p.setup(spec); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

type rodPage struct {
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher

	once     sync.Once
	closeErr error
}

func (p *rodPage) setup(spec LaunchSpec) error {
	for _, js := range fingerprintPatches(spec) {
		if _, err := p.page.EvalOnNewDocument(js); err != nil {
			return fmt.Errorf("apply fingerprint patch: %w", err)
		}
	}

	dev := spec.Device
	if dev.Width > 0 && dev.Height > 0 {
		err := p.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             dev.Width,
			Height:            dev.Height,
			DeviceScaleFactor: dev.ScaleFactor,
			Mobile:            dev.Mobile,
		})
		if err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
	}
	if dev.UserAgent != "" {
		err := p.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      dev.UserAgent,
			AcceptLanguage: strings.Join(languageList(spec.Language), ","),
		})
		if err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}
	if dev.Mobile {
		touchPoints := 5
		err := proto.EmulationSetTouchEmulationEnabled{Enabled: true, MaxTouchPoints: &touchPoints}.Call(p.page)
		if err != nil {
			return fmt.Errorf("enable touch emulation: %w", err)
		}
	}

	if len(spec.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(spec.Cookies))
		for _, c := range spec.Cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
				SameSite: proto.NetworkCookieSameSite(c.SameSite),
				Expires:  proto.TimeSinceEpoch(c.Expires),
			})
		}
		if err := p.page.SetCookies(params); err != nil {
			return fmt.Errorf("restore cookies: %w", err)
		}
	}
	return nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return mapRodError(err)
	}
	return mapRodError(page.WaitLoad())
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", mapRodError(err)
	}
	return info.URL, nil
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	return html, mapRodError(err)
}

func (p *rodPage) Elements(ctx context.Context, css string) ([]Element, error) {
	els, err := p.page.Context(ctx).Elements(css)
	if err != nil {
		return nil, mapRodError(err)
	}
	out := make([]Element, len(els))
	for i, el := range els {
		out[i] = rodElement{el: el}
	}
	return out, nil
}

func (p *rodPage) MoveMouse(ctx context.Context, x, y float64) error {
	return mapRodError(p.page.Context(ctx).Mouse.MoveTo(proto.Point{X: x, Y: y}))
}

func (p *rodPage) Scroll(ctx context.Context, dx, dy float64) error {
	return mapRodError(p.page.Context(ctx).Mouse.Scroll(dx, dy, 1))
}

func (p *rodPage) Cookies(ctx context.Context) ([]auth.Cookie, error) {
	cookies, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, mapRodError(err)
	}
	out := make([]auth.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, auth.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

// Close closes the page and the browser and kills the process. The profile
// directory is left on disk so the login survives.
func (p *rodPage) Close() error {
	p.once.Do(func() {
		var errs []error
		if err := p.page.Close(); err != nil && !errors.Is(mapRodError(err), ErrPageClosed) {
			errs = append(errs, err)
		}
		if err := p.browser.Close(); err != nil && !errors.Is(mapRodError(err), ErrPageClosed) {
			errs = append(errs, err)
		}
		p.launcher.Kill()
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

type rodElement struct {
	el *rod.Element
}

func (e rodElement) Click(ctx context.Context) error {
	return mapRodError(e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1))
}

func (e rodElement) Input(ctx context.Context, text string) error {
	return mapRodError(e.el.Context(ctx).Input(text))
}

func (e rodElement) Clear(ctx context.Context) error {
	el := e.el.Context(ctx)
	if err := el.SelectAllText(); err != nil {
		return mapRodError(err)
	}
	return mapRodError(el.Input(""))
}

func (e rodElement) Press(ctx context.Context, key Key) error {
	k := input.Enter
	if key == KeyBackspace {
		k = input.Backspace
	}
	return mapRodError(e.el.Context(ctx).Type(k))
}

func (e rodElement) Text(ctx context.Context) (string, error) {
	text, err := e.el.Context(ctx).Text()
	return text, mapRodError(err)
}

func (e rodElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, mapRodError(err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e rodElement) HTML(ctx context.Context) (string, error) {
	html, err := e.el.Context(ctx).HTML()
	return html, mapRodError(err)
}

func (e rodElement) Visible(ctx context.Context) (bool, error) {
	ok, err := e.el.Context(ctx).Visible()
	return ok, mapRodError(err)
}

func (e rodElement) Center(ctx context.Context) (float64, float64, error) {
	shape, err := e.el.Context(ctx).Shape()
	if err != nil {
		return 0, 0, mapRodError(err)
	}
	box := shape.Box()
	if box == nil {
		return 0, 0, fmt.Errorf("%w: element has no box", ErrNotInteractable)
	}
	return box.X + box.Width/2, box.Y + box.Height/2, nil
}

// mapRodError translates rod and CDP failures into the package's transient
// error kinds so the retry wrapper can classify them.
func mapRodError(err error) error {
	if err == nil {
		return nil
	}
	var (
		notFound        *rod.ErrElementNotFound
		objectGone      *rod.ErrObjectNotFound
		notInteractable *rod.ErrNotInteractable
		invisible       *rod.ErrInvisibleShape
		covered         *rod.ErrCovered
		noPointer       *rod.ErrNoPointerEvents
		navigation      *rod.ErrNavigation
		pageGone        *rod.ErrPageNotFound
		cdpErr          *cdp.Error
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.As(err, &objectGone),
		errors.Is(err, cdp.ErrObjNotFound),
		errors.Is(err, cdp.ErrCtxDestroyed),
		errors.Is(err, cdp.ErrCtxNotFound),
		errors.Is(err, cdp.ErrNodeNotFoundAtPos):
		return fmt.Errorf("%w: %v", ErrStale, err)
	case errors.As(err, &notInteractable), errors.As(err, &invisible),
		errors.As(err, &covered), errors.As(err, &noPointer):
		return fmt.Errorf("%w: %v", ErrNotInteractable, err)
	case errors.As(err, &navigation):
		return fmt.Errorf("%w: %v", ErrNavigation, err)
	case errors.As(err, &pageGone),
		errors.Is(err, cdp.ErrSessionNotFound),
		errors.Is(err, cdp.ErrNotAttachedToActivePage),
		connectionClosed(err):
		return fmt.Errorf("%w: %v", ErrPageClosed, err)
	case errors.As(err, &cdpErr):
		msg := strings.ToLower(cdpErr.Message)
		switch {
		case strings.Contains(msg, "target closed"), strings.Contains(msg, "session with given id not found"):
			return fmt.Errorf("%w: %v", ErrPageClosed, err)
		case strings.Contains(msg, "node"):
			return fmt.Errorf("%w: %v", ErrStale, err)
		case strings.Contains(msg, "net::"), strings.Contains(msg, "navigat"):
			return fmt.Errorf("%w: %v", ErrNavigation, err)
		}
	}
	return err
}

// connectionClosed reports whether the devtools websocket went away. The cdp
// client hands the raw read error to every pending call when that happens.
func connectionClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
