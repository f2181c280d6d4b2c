package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/krawall/krawall/connector-runtime/internal/config"
)

// devtoolsURLPattern matches the line chromium prints once the DevTools
// endpoint is listening.
var devtoolsURLPattern = regexp.MustCompile(`DevTools listening on (ws://\S+)`)

// candidateBinaries are tried in order when no executable path is
// configured.
var candidateBinaries = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"headless-shell",
}

// Browser owns the process-wide chromium instance. One process serves all
// discoveries; contexts (pages) are per-discovery. Launch is serialized by
// a mutex that also tracks liveness and relaunches after a crash.
type Browser struct {
	cfg config.BrowserConfig

	mu     sync.Mutex
	cmd    *exec.Cmd
	client *cdpClient
}

// NewBrowser prepares a launcher; the process starts on first use.
func NewBrowser(cfg config.BrowserConfig) *Browser {
	return &Browser{cfg: cfg}
}

// acquire returns a live DevTools client, launching or relaunching the
// browser as needed.
func (b *Browser) acquire(ctx context.Context) (*cdpClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil && b.client.Alive() {
		return b.client, nil
	}
	if b.cmd != nil {
		// Previous process died or its connection dropped.
		b.cmd.Process.Kill()
		b.cmd.Wait()
		b.cmd = nil
		b.client = nil
		log.Warn().Msg("browser process lost, relaunching")
	}

	// Launch can lose a race with a dying display or a stale profile
	// lock; retry briefly with exponential back-off.
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	var client *cdpClient
	err := backoff.Retry(func() error {
		wsURL, cmd, err := b.launch(ctx)
		if err != nil {
			return err
		}
		client, err = dialCDP(ctx, wsURL)
		if err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return err
		}
		b.cmd = cmd
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	b.client = client
	return client, nil
}

// launch starts chromium with a dynamic DevTools port and reads the
// endpoint URL from stderr.
func (b *Browser) launch(ctx context.Context) (string, *exec.Cmd, error) {
	binary, err := b.findBinary()
	if err != nil {
		return "", nil, err
	}

	args := []string{
		"--remote-debugging-port=0",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-gpu",
		"--disable-dev-shm-usage",
	}
	if b.cfg.Headless {
		args = append(args, "--headless=new")
	}
	if b.cfg.ProxyURL != "" {
		args = append(args, "--proxy-server="+b.cfg.ProxyURL)
	}
	args = append(args, "about:blank")

	cmd := exec.Command(binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", nil, fmt.Errorf("browser stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", nil, fmt.Errorf("start browser %s: %w", binary, err)
	}

	urlCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if m := devtoolsURLPattern.FindStringSubmatch(scanner.Text()); m != nil {
				urlCh <- m[1]
				break
			}
		}
		// Keep draining so the process never blocks on stderr.
		for scanner.Scan() {
		}
	}()

	select {
	case wsURL := <-urlCh:
		log.Info().Str("binary", binary).Msg("browser launched")
		return wsURL, cmd, nil
	case <-time.After(20 * time.Second):
		cmd.Process.Kill()
		cmd.Wait()
		return "", nil, fmt.Errorf("browser did not report a devtools endpoint")
	case <-ctx.Done():
		cmd.Process.Kill()
		cmd.Wait()
		return "", nil, ctx.Err()
	}
}

func (b *Browser) findBinary() (string, error) {
	if b.cfg.ExecutablePath != "" {
		return b.cfg.ExecutablePath, nil
	}
	for _, name := range candidateBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no chromium-class binary found (set KRAWALL_BROWSER_PATH); tried %s",
		strings.Join(candidateBinaries, ", "))
}

// Close tears the browser process down.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	if b.cmd != nil {
		b.cmd.Process.Kill()
		b.cmd.Wait()
		b.cmd = nil
	}
}

// ── Pages ────────────────────────────────────────────────────

// page is one attached browser tab (DevTools flat session).
type page struct {
	client    *cdpClient
	targetID  string
	sessionID string
}

// newPage creates a tab and attaches a flat session to it.
func (b *Browser) newPage(ctx context.Context) (*page, error) {
	client, err := b.acquire(ctx)
	if err != nil {
		return nil, err
	}

	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := client.Call(ctx, "", "Target.createTarget",
		map[string]interface{}{"url": "about:blank"}, &created); err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}

	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := client.Call(ctx, "", "Target.attachToTarget",
		map[string]interface{}{"targetId": created.TargetID, "flatten": true}, &attached); err != nil {
		return nil, fmt.Errorf("attach to target: %w", err)
	}

	return &page{client: client, targetID: created.TargetID, sessionID: attached.SessionID}, nil
}

func (p *page) close(ctx context.Context) {
	p.client.Call(ctx, "", "Target.closeTarget",
		map[string]interface{}{"targetId": p.targetID}, nil)
}

// enableDomains turns on the event domains capture depends on. Must run
// before navigation so no WebSocket escapes the listeners.
func (p *page) enableDomains(ctx context.Context) error {
	for _, method := range []string{"Page.enable", "Network.enable", "Runtime.enable"} {
		if err := p.client.Call(ctx, p.sessionID, method, nil, nil); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
	}
	return nil
}

// navigate loads the URL and waits for network-idle-ish quiescence: the
// load event plus a short settle window, polled on a 100ms tick.
func (p *page) navigate(ctx context.Context, pageURL string) error {
	loaded := make(chan struct{}, 1)
	p.client.On("Page.loadEventFired", func(sessionID string, _ json.RawMessage) {
		if sessionID == p.sessionID {
			select {
			case loaded <- struct{}{}:
			default:
			}
		}
	})

	if err := p.client.Call(ctx, p.sessionID, "Page.navigate",
		map[string]interface{}{"url": pageURL}, nil); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}

	select {
	case <-loaded:
	case <-time.After(15 * time.Second):
		// Some SPAs never fire load; fall through to readyState polling.
	case <-ctx.Done():
		return ctx.Err()
	}

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(10 * time.Second)
	for {
		var ready string
		if err := p.evaluate(ctx, "document.readyState", &ready); err == nil && ready == "complete" {
			// settle window for late XHR-driven widget boots
			time.Sleep(500 * time.Millisecond)
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline:
			return nil // proceed with whatever loaded
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// evaluate runs an expression in the page and decodes its by-value result.
func (p *page) evaluate(ctx context.Context, expression string, out interface{}) error {
	var resp struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	err := p.client.Call(ctx, p.sessionID, "Runtime.evaluate", map[string]interface{}{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.ExceptionDetails != nil {
		return fmt.Errorf("page script failed: %s", resp.ExceptionDetails.Text)
	}
	if out != nil && len(resp.Result.Value) > 0 {
		return json.Unmarshal(resp.Result.Value, out)
	}
	return nil
}

// cookies reads the page's cookies from the browser context.
func (p *page) cookies(ctx context.Context) ([]pageCookie, error) {
	var resp struct {
		Cookies []pageCookie `json:"cookies"`
	}
	if err := p.client.Call(ctx, p.sessionID, "Network.getCookies", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Cookies, nil
}

type pageCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
}

// title returns the document title for failure context.
func (p *page) title(ctx context.Context) string {
	var title string
	p.evaluate(ctx, "document.title", &title)
	return title
}

// iframeCount returns how many iframes the page holds, for failure context.
func (p *page) iframeCount(ctx context.Context) int {
	var n int
	p.evaluate(ctx, "document.querySelectorAll('iframe').length", &n)
	return n
}
