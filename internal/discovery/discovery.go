package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/krawall/krawall/connector-runtime/internal/config"
	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/socketio"
	"github.com/krawall/krawall/connector-runtime/pkg/contracts"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// Service runs the browser discovery pipeline and owns the result cache.
type Service struct {
	browser  *Browser
	cache    *Cache
	timeouts config.TimeoutConfig
	cfg      config.BrowserConfig
}

// NewService wires the process-wide browser, the cache, and the stage
// timeout budget.
func NewService(browser *Browser, cache *Cache, timeouts config.TimeoutConfig, browserCfg config.BrowserConfig) *Service {
	return &Service{browser: browser, cache: cache, timeouts: timeouts, cfg: browserCfg}
}

// Cached returns the cached discovery result for a target id.
func (s *Service) Cached(ctx context.Context, targetID string) (*models.DiscoveryResult, bool, error) {
	return s.cache.Get(ctx, targetID)
}

// Discover returns a cached result when one is fresh enough, otherwise
// drives the browser. Progress events are emitted in stage order.
func (s *Service) Discover(ctx context.Context, target *models.Target, forceFresh bool, onProgress contracts.ProgressFunc) (*models.DiscoveryResult, error) {
	cfg := target.Protocol.GetBrowserWS()
	if cfg == nil || cfg.PageURL == "" {
		return nil, connector.Configf("browser-websocket target %s needs a protocol config with a page url", target.ID)
	}

	if !forceFresh {
		if cached, ok, err := s.cache.Get(ctx, target.ID); err == nil && ok {
			emit(onProgress, models.StageDone, "using cached discovery result", nil)
			return cached, nil
		}
	}

	result, err := s.runPipeline(ctx, target, cfg, onProgress)
	if err != nil {
		emit(onProgress, models.StageError, err.Error(), nil)
		return nil, err
	}

	ttl := s.sessionMaxAge(cfg)
	s.cache.Put(ctx, target.ID, result, ttl)
	emit(onProgress, models.StageDone, "discovery complete", map[string]interface{}{
		"wss_url":  result.WSSURL,
		"protocol": string(result.DetectedProtocol),
	})
	return result, nil
}

// sessionMaxAge resolves the configured discovery result lifetime, which
// doubles as the cache TTL.
func (s *Service) sessionMaxAge(cfg *models.BrowserWSProtocolConfig) time.Duration {
	if cfg != nil && cfg.SessionMaxAgeMs > 0 {
		return time.Duration(cfg.SessionMaxAgeMs) * time.Millisecond
	}
	return s.timeouts.SessionMaxAge
}

func emit(onProgress contracts.ProgressFunc, stage models.ProgressStage, msg string, data map[string]interface{}) {
	if onProgress == nil {
		return
	}
	onProgress(models.ProgressEvent{
		Stage:     stage,
		Message:   msg,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// runPipeline executes the staged browser flow. Every stage failure is
// wrapped as a DiscoveryFailedError with page context; partially opened
// browser resources are released on all exit paths.
func (s *Service) runPipeline(ctx context.Context, target *models.Target, cfg *models.BrowserWSProtocolConfig, onProgress contracts.ProgressFunc) (*models.DiscoveryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Discovery)
	defer cancel()

	fail := func(stage string, pg *page, tried []string, err error) error {
		dfe := &connector.DiscoveryFailedError{Stage: stage, SelectorsTried: tried, Err: err}
		if pg != nil {
			// Best-effort page context; the page may already be gone.
			ctxInfo, cancelInfo := context.WithTimeout(context.Background(), 2*time.Second)
			dfe.PageTitle = pg.title(ctxInfo)
			dfe.PageURL = cfg.PageURL
			dfe.IframeCount = pg.iframeCount(ctxInfo)
			cancelInfo()
		}
		return dfe
	}

	// 1. Launch or reuse the browser; open a fresh page context.
	emit(onProgress, models.StageConnect, "launching browser", nil)
	pg, err := s.browser.newPage(ctx)
	if err != nil {
		return nil, fail("connect", nil, nil, err)
	}
	defer func() {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), 3*time.Second)
		pg.close(closeCtx)
		cancelClose()
		if !s.cfg.KeepAlive && !cfg.KeepBrowserAlive {
			s.browser.Close()
		}
	}()

	// 2. Attach capture before navigation.
	capture := NewCapture()
	if err := pg.enableDomains(ctx); err != nil {
		return nil, fail("connect", pg, nil, err)
	}
	capture.attach(pg.client, pg.sessionID)

	// 3. Navigate and wait for quiescence.
	emit(onProgress, models.StageDiscovery, "navigating to "+cfg.PageURL, nil)
	if err := pg.navigate(ctx, cfg.PageURL); err != nil {
		return nil, fail("discovery", pg, nil, err)
	}

	// 4. Cookie banners (silent on no match).
	dismissCookieBanners(ctx, pg)

	// 5. Find and trigger the widget.
	emit(onProgress, models.StageWidget, "detecting chat widget", nil)
	widgetCtx, cancelWidget := context.WithTimeout(ctx, s.timeouts.DiscoveryWidget)
	tried, err := s.detectWidget(widgetCtx, pg, capture, cfg)
	cancelWidget()
	if err != nil {
		return nil, fail("widget", pg, tried, err)
	}

	// 6. Wait for the matching WebSocket with its handshake frames.
	emit(onProgress, models.StageCapture, "waiting for websocket", map[string]interface{}{
		"url_pattern": cfg.URLPattern,
	})
	captureCtx, cancelCapture := context.WithTimeout(ctx, s.timeouts.DiscoveryWS)
	ws, err := capture.WaitForWebSocket(captureCtx, cfg.URLPattern, cfg.WSIndex, cfg.MinFrames, s.timeouts.DiscoveryWS)
	cancelCapture()
	if err != nil {
		return nil, fail("capture", pg, tried, err)
	}

	// 7. Classify the wire protocol (config may pin it).
	emit(onProgress, models.StageClassify, "classifying protocol", nil)
	protocol, sioCfg := classifyWithOverride(cfg, ws)

	// 8. Extract credentials.
	emit(onProgress, models.StageCredentials, "extracting credentials", nil)
	cookies, err := pg.cookies(ctx)
	if err != nil {
		return nil, fail("credentials", pg, tried, err)
	}
	localStorage, sessionStorage := readStorage(ctx, pg)

	// 9. Assemble.
	result := &models.DiscoveryResult{
		WSSURL:           ws.URL,
		Headers:          ws.UpgradeHeaders,
		CapturedFrames:   ws.Frames,
		LocalStorage:     localStorage,
		SessionStorage:   sessionStorage,
		DetectedProtocol: protocol,
		SocketIO:         sioCfg,
		DiscoveredAt:     time.Now().UTC(),
	}
	for _, c := range cookies {
		result.Cookies = append(result.Cookies, models.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
	}

	log.Info().Str("target", target.ID).Str("wss", ws.URL).
		Str("protocol", string(protocol)).Int("cookies", len(result.Cookies)).
		Msg("discovery pipeline complete")
	return result, nil
}

// classifyWithOverride honors a pinned protocol in config, otherwise
// auto-detects from the URL and early frames.
func classifyWithOverride(cfg *models.BrowserWSProtocolConfig, ws *models.CapturedWebSocket) (models.WireProtocol, *models.SocketIOConfig) {
	switch cfg.Protocol {
	case "raw":
		return models.ProtocolRaw, nil
	case "socketio":
		_, sioCfg := socketio.Classify(ws.URL, ws.Frames)
		if sioCfg == nil {
			sioCfg = socketio.DefaultConfig()
		}
		return models.ProtocolSocketIO, sioCfg
	default:
		return socketio.Classify(ws.URL, ws.Frames)
	}
}

// readStorage snapshots localStorage and sessionStorage via page scripts.
func readStorage(ctx context.Context, pg *page) (map[string]string, map[string]string) {
	read := func(name string) map[string]string {
		var raw string
		script := fmt.Sprintf(`JSON.stringify(Object.fromEntries(Object.entries(%s)))`, name)
		if err := pg.evaluate(ctx, script, &raw); err != nil {
			log.Debug().Err(err).Str("store", name).Msg("storage read failed")
			return nil
		}
		var out map[string]string
		if json.Unmarshal([]byte(raw), &out) != nil {
			return nil
		}
		return out
	}
	return read("localStorage"), read("sessionStorage")
}
