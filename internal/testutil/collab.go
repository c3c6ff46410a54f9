package testutil

import (
	"context"
	"sync"

	"github.com/roach88/waypoint/internal/arbiter"
	"github.com/roach88/waypoint/internal/landmark"
)

// CaptureChime records Play calls.
type CaptureChime struct {
	mu    sync.Mutex
	plays int
	err   error
}

// SetError injects an error for subsequent Play calls.
func (c *CaptureChime) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Play implements arbiter.Chime.
func (c *CaptureChime) Play(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plays++
	return c.err
}

// Plays returns the number of Play calls.
func (c *CaptureChime) Plays() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plays
}

// CaptureAnnouncer records spoken texts.
type CaptureAnnouncer struct {
	mu    sync.Mutex
	texts []string
	err   error
}

// SetError injects an error for subsequent Speak calls.
func (c *CaptureAnnouncer) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Speak implements arbiter.Announcer.
func (c *CaptureAnnouncer) Speak(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return c.err
}

// Texts returns a copy of every spoken text.
func (c *CaptureAnnouncer) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

// CaptureNotifier records shown notices.
type CaptureNotifier struct {
	mu      sync.Mutex
	notices []arbiter.Notice
	err     error
}

// SetError injects an error for subsequent Show calls.
func (c *CaptureNotifier) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Show implements arbiter.Notifier.
func (c *CaptureNotifier) Show(ctx context.Context, n arbiter.Notice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, n)
	return c.err
}

// Notices returns a copy of every shown notice.
func (c *CaptureNotifier) Notices() []arbiter.Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]arbiter.Notice(nil), c.notices...)
}

// CapturePreloader records preloaded landmark ids.
type CapturePreloader struct {
	mu  sync.Mutex
	ids []string
	err error
}

// SetError injects an error for subsequent Preload calls.
func (c *CapturePreloader) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Preload implements arbiter.Preloader.
func (c *CapturePreloader) Preload(ctx context.Context, lm landmark.Landmark) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, lm.ID)
	return c.err
}

// IDs returns a copy of every preloaded landmark id, in call order.
func (c *CapturePreloader) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}
