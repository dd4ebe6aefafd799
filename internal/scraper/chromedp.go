// Package scraper drives a headless browser against the external tracking
// page and parses the rendered event list.
package scraper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/parcelwatch/parcelwatch/internal/tracker"
)

// Config controls the browser session and the page-specific selectors.
type Config struct {
	URLTemplate     string
	WaitSelector    string
	RowSelector     string
	TimeSelector    string
	ContentSelector string
	NavTimeout      time.Duration
	UserAgent       string
}

// Chromedp implements tracker.Scraper on a single shared browser instance.
// Scrapes are serialized with a mutex: the session is an exclusively-owned,
// stateful resource and only one page may be in flight.
type Chromedp struct {
	cfg         Config
	mu          sync.Mutex
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New creates a scraper backed by a headless Chrome exec allocator.
func New(cfg Config, logger *zap.Logger) (*Chromedp, error) {
	if !strings.Contains(cfg.URLTemplate, "%s") {
		return nil, fmt.Errorf("url template must contain a %%s placeholder")
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Chromedp{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context, shutting the browser down.
func (c *Chromedp) Close() {
	c.allocCancel()
}

// Scrape navigates to the tracking page, blocks (bounded) until the event
// list is present in the rendered DOM, and parses it. The rendered HTML is
// returned alongside a parse error so callers can snapshot it.
func (c *Chromedp) Scrape(ctx context.Context, trackingNumber string) (tracker.ScrapeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, c.cfg.NavTimeout)
	defer cancel()

	// Bridge caller cancellation into the browser task.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	url := fmt.Sprintf(c.cfg.URLTemplate, trackingNumber)
	var html string
	actions := []chromedp.Action{
		c.userAgentAction(),
		chromedp.Navigate(url),
		chromedp.WaitVisible(c.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.OuterHTML(c.cfg.WaitSelector, &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return tracker.ScrapeResult{}, fmt.Errorf("render tracking page: %w", err)
	}
	c.logger.Debug("tracking page rendered",
		zap.String("tracking_number", trackingNumber),
		zap.Int("html_bytes", len(html)),
	)

	events, err := ParseEvents(html, c.cfg)
	if err != nil {
		return tracker.ScrapeResult{HTML: html}, err
	}
	return tracker.ScrapeResult{Events: events, HTML: html}, nil
}

func (c *Chromedp) userAgentAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if c.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}
