package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/hairizuanbinnoorazman/ui-verdict/artifact"
	"github.com/hairizuanbinnoorazman/ui-verdict/authstate"
	"github.com/hairizuanbinnoorazman/ui-verdict/logger"
	"github.com/hairizuanbinnoorazman/ui-verdict/script"
)

// ChromedpLauncher drives a local Chrome over the DevTools protocol. Only
// chromium is supported.
type ChromedpLauncher struct {
	execPath string
	logger   logger.Logger
}

// NewChromedpLauncher creates a launcher. An empty execPath lets chromedp
// find Chrome on the PATH.
func NewChromedpLauncher(execPath string, log logger.Logger) *ChromedpLauncher {
	return &ChromedpLauncher{execPath: execPath, logger: log}
}

type chromedpSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc

	console *artifact.ConsoleBuffer
	har     *harRecorder
	harPath string
	logger  logger.Logger
}

// Launch starts Chrome, restores cookies and localStorage from the storage
// state and starts recording console and network events.
func (l *ChromedpLauncher) Launch(ctx context.Context, opts SessionOptions) (Session, error) {
	if opts.Browser != "" && opts.Browser != script.BrowserChromium {
		return nil, fmt.Errorf("chromedp driver supports chromium only, got %s", opts.Browser)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", opts.Headless),
		chromedp.WindowSize(opts.Viewport.Width, opts.Viewport.Height),
	)
	if l.execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	s := &chromedpSession{
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		console:     opts.Console,
		har:         newHARRecorder(),
		harPath:     opts.HARPath,
		logger:      l.logger,
	}
	chromedp.ListenTarget(browserCtx, s.onEvent)

	actions := []chromedp.Action{
		network.Enable(),
		runtime.Enable(),
	}
	if opts.StorageStatePath != "" {
		st, err := authstate.ReadState(opts.StorageStatePath)
		if err != nil {
			s.Close()
			return nil, err
		}
		actions = append(actions, restoreState(st)...)
	}

	startCtx, startCancel := context.WithTimeout(browserCtx, 60*time.Second)
	defer startCancel()
	if err := chromedp.Run(startCtx, actions...); err != nil {
		s.Close()
		return nil, fmt.Errorf("could not start chrome: %w", err)
	}
	return s, nil
}

func restoreState(st *authstate.State) []chromedp.Action {
	var actions []chromedp.Action
	for _, c := range st.Cookies {
		p := network.SetCookie(c.Name, c.Value).
			WithDomain(c.Domain).
			WithPath(c.Path).
			WithHTTPOnly(c.HTTPOnly).
			WithSecure(c.Secure)
		if c.SameSite != "" {
			p = p.WithSameSite(network.CookieSameSite(c.SameSite))
		}
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p = p.WithExpires(&exp)
		}
		actions = append(actions, p)
	}
	if src := localStorageScript(st.Origins); src != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx)
			return err
		}))
	}
	return actions
}

// localStorageScript builds a script that seeds localStorage for the
// current origin on every new document, without overwriting existing keys.
func localStorageScript(origins []authstate.Origin) string {
	data := map[string][]authstate.NameValue{}
	for _, o := range origins {
		if len(o.LocalStorage) > 0 {
			data[o.Origin] = o.LocalStorage
		}
	}
	if len(data) == 0 {
		return ""
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return fmt.Sprintf(`(function(){var d=%s;var items=d[location.origin];if(!items)return;`+
		`for(var i=0;i<items.length;i++){try{if(localStorage.getItem(items[i].name)===null)`+
		`localStorage.setItem(items[i].name,items[i].value);}catch(e){}}})();`, encoded)
}

func (s *chromedpSession) onEvent(ev interface{}) {
	now := time.Now().UTC()
	switch e := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		if s.console == nil {
			return
		}
		parts := make([]string, 0, len(e.Args))
		for _, arg := range e.Args {
			parts = append(parts, remoteObjectText(arg))
		}
		s.console.Add(string(e.Type), strings.Join(parts, " "))
	case *runtime.EventExceptionThrown:
		if s.console == nil || e.ExceptionDetails == nil {
			return
		}
		text := e.ExceptionDetails.Text
		if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
			text = e.ExceptionDetails.Exception.Description
		}
		s.console.Add("error", text)
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return
		}
		s.har.onRequest(string(e.RequestID), e.Request.Method, e.Request.URL, e.Request.Headers, now)
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		s.har.onResponse(string(e.RequestID), int(e.Response.Status), e.Response.StatusText,
			e.Response.MimeType, e.Response.Protocol, e.Response.Headers, now)
	case *network.EventLoadingFinished:
		s.har.onFinished(string(e.RequestID), int64(e.EncodedDataLength), now)
	}
}

func remoteObjectText(o *runtime.RemoteObject) string {
	if o == nil {
		return ""
	}
	if len(o.Value) > 0 {
		var str string
		if err := json.Unmarshal([]byte(o.Value), &str); err == nil {
			return str
		}
		return string(o.Value)
	}
	return o.Description
}

func (s *chromedpSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	err := chromedp.Run(tctx, actions...)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timeout %dms exceeded", timeout.Milliseconds())
	}
	return err
}

func (s *chromedpSession) Goto(ctx context.Context, url string, timeout time.Duration) error {
	return s.run(ctx, timeout, chromedp.Navigate(url))
}

func (s *chromedpSession) Click(ctx context.Context, selector string, timeout time.Duration) error {
	return s.run(ctx, timeout, chromedp.Click(selector, chromedp.ByQuery))
}

func (s *chromedpSession) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	return s.run(ctx, timeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (s *chromedpSession) Select(ctx context.Context, selector, value string, timeout time.Duration) error {
	return s.run(ctx, timeout, chromedp.SetValue(selector, value, chromedp.ByQuery))
}

func (s *chromedpSession) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return s.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
}

// keySequence maps playwright-style key names to key codes; anything else is typed as is.
func keySequence(key string) string {
	if k, ok := namedKeys[key]; ok {
		return k
	}
	return key
}

func (s *chromedpSession) Press(ctx context.Context, selector, key string, timeout time.Duration) error {
	return s.run(ctx, timeout, chromedp.SendKeys(selector, keySequence(key), chromedp.ByQuery))
}

func (s *chromedpSession) setChecked(ctx context.Context, selector string, want bool, timeout time.Duration) error {
	var checked bool
	return s.run(ctx, timeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.JavascriptAttribute(selector, "checked", &checked, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if checked == want {
				return nil
			}
			return chromedp.Click(selector, chromedp.ByQuery).Do(ctx)
		}),
	)
}

func (s *chromedpSession) Check(ctx context.Context, selector string, timeout time.Duration) error {
	return s.setChecked(ctx, selector, true, timeout)
}

func (s *chromedpSession) Uncheck(ctx context.Context, selector string, timeout time.Duration) error {
	return s.setChecked(ctx, selector, false, timeout)
}

func (s *chromedpSession) InnerText(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	var text string
	err := s.run(ctx, timeout, chromedp.Text(selector, &text, chromedp.ByQuery))
	return text, err
}

func (s *chromedpSession) IsVisible(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	tctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	err := chromedp.Run(tctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
	if errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return err == nil, err
}

func (s *chromedpSession) Wait(ctx context.Context, d time.Duration) error {
	return sleepCtx(ctx, d)
}

func (s *chromedpSession) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := s.run(ctx, 60*time.Second, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0644)
}

// Close shuts Chrome down and writes the network capture.
func (s *chromedpSession) Close() error {
	var errs []error
	if err := chromedp.Cancel(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	s.cancel()
	s.allocCancel()
	if s.harPath != "" {
		errs = append(errs, s.har.Write(s.harPath))
	}
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
