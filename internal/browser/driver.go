package browser

import (
	"context"

	"rewards-automation/internal/auth"
)

// Profile is the device a session emulates.
type Profile string

const (
	Desktop Profile = "desktop"
	Mobile  Profile = "mobile"
)

type Device struct {
	UserAgent   string
	Width       int
	Height      int
	ScaleFactor float64
	Mobile      bool
}

type LaunchSpec struct {
	Profile     Profile
	Device      Device
	Headless    bool
	Bin         string
	UserDataDir string
	ProxyURL    string
	Language    string
	Cookies     []auth.Cookie
}

// Driver starts browsers. The rod implementation drives a real Chromium;
// browsertest provides a scripted one.
type Driver interface {
	Launch(ctx context.Context, spec LaunchSpec) (Page, error)
}

// Page is one tab of a launched browser. Close releases the whole browser.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	// Elements returns the current matches for css without waiting.
	Elements(ctx context.Context, css string) ([]Element, error)
	MoveMouse(ctx context.Context, x, y float64) error
	Scroll(ctx context.Context, dx, dy float64) error
	Cookies(ctx context.Context) ([]auth.Cookie, error)
	Close() error
}

type Key int

const (
	KeyEnter Key = iota
	KeyBackspace
)

type Element interface {
	Click(ctx context.Context) error
	Input(ctx context.Context, text string) error
	// Clear empties a text field so a retried input starts from nothing.
	Clear(ctx context.Context) error
	Press(ctx context.Context, key Key) error
	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, bool, error)
	HTML(ctx context.Context) (string, error)
	Visible(ctx context.Context) (bool, error)
	Center(ctx context.Context) (x, y float64, err error)
}
