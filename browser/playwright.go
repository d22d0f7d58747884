package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/script"
	"github.com/playwright-community/playwright-go"
)

// PlaywrightLauncher starts a playwright driver per session.
type PlaywrightLauncher struct {
	logger logger.Logger
}

// NewPlaywrightLauncher creates a playwright launcher.
func NewPlaywrightLauncher(log logger.Logger) *PlaywrightLauncher {
	return &PlaywrightLauncher{logger: log}
}

type playwrightSession struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	logger  logger.Logger
}

func browserType(pw *playwright.Playwright, kind script.BrowserKind) playwright.BrowserType {
	switch kind {
	case script.BrowserFirefox:
		return pw.Firefox
	case script.BrowserWebkit:
		return pw.WebKit
	default:
		return pw.Chromium
	}
}

// Launch starts the browser, creates the context with storage state and HAR
// recording, opens a page and wires console capture. Anything created before
// a failure is released again.
func (l *PlaywrightLauncher) Launch(ctx context.Context, opts SessionOptions) (Session, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("could not start playwright: %w", err)
	}
	s := &playwrightSession{pw: pw, logger: l.logger}

	s.browser, err = browserType(pw, opts.Browser).Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("could not launch %s: %w", opts.Browser, err)
	}

	ctxOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: opts.Viewport.Width, Height: opts.Viewport.Height},
	}
	if opts.HARPath != "" {
		ctxOpts.RecordHarPath = playwright.String(opts.HARPath)
	}
	if opts.StorageStatePath != "" {
		ctxOpts.StorageStatePath = playwright.String(opts.StorageStatePath)
	}
	s.context, err = s.browser.NewContext(ctxOpts)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("could not create browser context: %w", err)
	}

	s.page, err = s.context.NewPage()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("could not create page: %w", err)
	}
	if opts.Console != nil {
		s.page.OnConsole(func(msg playwright.ConsoleMessage) {
			opts.Console.Add(msg.Type(), msg.Text())
		})
	}
	return s, nil
}

func (s *playwrightSession) Goto(ctx context.Context, url string, timeout time.Duration) error {
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(ms(timeout)),
		WaitUntil: playwright.WaitUntilStateNetworkidle,
	})
	return err
}

func (s *playwrightSession) Click(ctx context.Context, selector string, timeout time.Duration) error {
	return s.page.Locator(selector).Click(playwright.LocatorClickOptions{Timeout: playwright.Float(ms(timeout))})
}

func (s *playwrightSession) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	return s.page.Locator(selector).Fill(value, playwright.LocatorFillOptions{Timeout: playwright.Float(ms(timeout))})
}

func (s *playwrightSession) Select(ctx context.Context, selector, value string, timeout time.Duration) error {
	_, err := s.page.Locator(selector).SelectOption(
		playwright.SelectOptionValues{Values: &[]string{value}},
		playwright.LocatorSelectOptionOptions{Timeout: playwright.Float(ms(timeout))},
	)
	return err
}

func (s *playwrightSession) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return s.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(ms(timeout)),
	})
}

func (s *playwrightSession) Press(ctx context.Context, selector, key string, timeout time.Duration) error {
	return s.page.Locator(selector).Press(key, playwright.LocatorPressOptions{Timeout: playwright.Float(ms(timeout))})
}

func (s *playwrightSession) Check(ctx context.Context, selector string, timeout time.Duration) error {
	return s.page.Locator(selector).Check(playwright.LocatorCheckOptions{Timeout: playwright.Float(ms(timeout))})
}

func (s *playwrightSession) Uncheck(ctx context.Context, selector string, timeout time.Duration) error {
	return s.page.Locator(selector).Uncheck(playwright.LocatorUncheckOptions{Timeout: playwright.Float(ms(timeout))})
}

func (s *playwrightSession) InnerText(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	return s.page.Locator(selector).InnerText(playwright.LocatorInnerTextOptions{Timeout: playwright.Float(ms(timeout))})
}

// IsVisible waits up to timeout for the element to become visible.
func (s *playwrightSession) IsVisible(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	err := s.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(ms(timeout)),
	})
	if errors.Is(err, playwright.ErrTimeout) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *playwrightSession) Wait(ctx context.Context, d time.Duration) error {
	s.page.WaitForTimeout(ms(d))
	return nil
}

func (s *playwrightSession) Screenshot(ctx context.Context, path string) error {
	_, err := s.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	})
	return err
}

// Close releases page, context, browser and driver in that order and reports
// the first failure.
func (s *playwrightSession) Close() error {
	var errs []error
	if s.page != nil {
		errs = append(errs, s.page.Close())
	}
	if s.context != nil {
		errs = append(errs, s.context.Close())
	}
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	if s.pw != nil {
		errs = append(errs, s.pw.Stop())
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn(context.Background(), "failed to close playwright session", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	return nil
}
