package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/hairizuanbinnoorazman/ui-verdict/authstate"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/playwright-community/playwright-go"
)

// CaptureLauncher opens a visible chromium on a login page so a person can
// sign in before the state is saved.
type CaptureLauncher struct {
	headless bool
	logger   logger.Logger
}

// NewCaptureLauncher creates a capture launcher. Headless is only useful for
// automated environments.
func NewCaptureLauncher(headless bool, log logger.Logger) *CaptureLauncher {
	return &CaptureLauncher{headless: headless, logger: log}
}

type captureBrowser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
}

// Launch implements authstate.CaptureLauncher.
func (l *CaptureLauncher) Launch(ctx context.Context, loginURL string) (authstate.CaptureBrowser, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("could not start playwright: %w", err)
	}
	b := &captureBrowser{pw: pw}

	b.browser, err = pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.headless),
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("could not launch browser: %w", err)
	}
	b.context, err = b.browser.NewContext()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("could not create browser context: %w", err)
	}
	page, err := b.context.NewPage()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("could not create page: %w", err)
	}
	if _, err := page.Goto(loginURL); err != nil {
		b.Close()
		return nil, fmt.Errorf("could not open login page: %w", err)
	}

	l.logger.Info(ctx, "capture browser opened", map[string]interface{}{
		"login_url": loginURL,
	})
	return b, nil
}

// StorageState writes cookies and origins of the context to path.
func (b *captureBrowser) StorageState(path string) error {
	_, err := b.context.StorageState(path)
	return err
}

func (b *captureBrowser) Close() error {
	var errs []error
	if b.context != nil {
		errs = append(errs, b.context.Close())
	}
	if b.browser != nil {
		errs = append(errs, b.browser.Close())
	}
	if b.pw != nil {
		errs = append(errs, b.pw.Stop())
	}
	return errors.Join(errs...)
}
