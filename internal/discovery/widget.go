package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// clickConfirmWindow is how long a click has to produce a WebSocket
// before the next candidate selector is tried.
const clickConfirmWindow = 5 * time.Second

// cookieBannerSelectors covers the common consent frameworks, tried in
// order; the first visible match is clicked and a 1s settle follows.
// No match is silent.
var cookieBannerSelectors = []string{
	"#onetrust-accept-btn-handler",
	".cc-btn.cc-allow",
	"#cookiescript_accept",
	"button#truste-consent-button",
	".cmpboxbtnyes",
	"[data-cookiebanner='accept_button']",
	"#didomi-notice-agree-button",
	"button[aria-label='Accept cookies']",
	"button[mode='primary']",
}

// genericWidgetSelectors are tried after hint-derived selectors in the
// heuristic strategy: known provider iframes, ARIA labels, class/id
// fragments, and button text in common languages.
var genericWidgetSelectors = []string{
	// known providers by iframe src
	`iframe[src*="intercom"]`,
	`iframe[src*="crisp.chat"]`,
	`iframe[src*="tawk.to"]`,
	`iframe[src*="livechat"]`,
	`iframe[src*="zendesk"]`,
	`iframe[src*="drift"]`,
	`iframe[src*="userlike"]`,
	// ARIA
	`[aria-label*="chat" i]`,
	`[aria-label*="support" i]`,
	`[role="button"][aria-label*="message" i]`,
	// class/id fragments
	`[class*="chat-widget"]`,
	`[class*="chat-launcher"]`,
	`[class*="chat-bubble"]`,
	`[id*="chat-widget"]`,
	`[id*="livechat"]`,
	`[class*="widget-launcher"]`,
	// button text in common languages
	`text:Chat`,
	`text:Chat with us`,
	`text:Support`,
	`text:Hilfe`,
	`text:Ayuda`,
	`text:Aide`,
}

// detectWidget runs the configured strategy and returns the selectors it
// tried, for failure context.
func (s *Service) detectWidget(ctx context.Context, pg *page, cap *Capture, cfg *models.BrowserWSProtocolConfig) ([]string, error) {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = models.WidgetHeuristic
	}

	switch strategy {
	case models.WidgetSelector:
		if cfg.Selector == "" {
			return nil, fmt.Errorf("selector strategy needs a selector")
		}
		tried := []string{cfg.Selector}
		if err := clickAcrossFrames(ctx, pg, cfg.Selector); err != nil {
			return tried, err
		}
		return tried, nil

	case models.WidgetSteps:
		return runSteps(ctx, pg, cfg.Steps)

	case models.WidgetHeuristic, "":
		return s.heuristicDetect(ctx, pg, cap, cfg)

	default:
		return nil, fmt.Errorf("unknown widget strategy %q", strategy)
	}
}

// heuristicDetect tries hint-derived selectors first, then the generic
// list, then the positional fallback. A click counts only if at least one
// WebSocket appears within the confirmation window; the first confirmed
// selector wins.
func (s *Service) heuristicDetect(ctx context.Context, pg *page, cap *Capture, cfg *models.BrowserWSProtocolConfig) ([]string, error) {
	selectors := hintSelectors(cfg.Hints)
	selectors = append(selectors, genericWidgetSelectors...)

	var tried []string
	for _, sel := range selectors {
		if ctx.Err() != nil {
			return tried, ctx.Err()
		}
		tried = append(tried, sel)

		before := cap.Count()
		var err error
		if text, ok := strings.CutPrefix(sel, "text:"); ok {
			err = clickByText(ctx, pg, text, cfg.Hints.GetContainer())
		} else {
			err = clickAcrossFrames(ctx, pg, sel)
		}
		if err != nil {
			continue
		}
		if waitForSocketCount(ctx, cap, before, clickConfirmWindow) {
			log.Info().Str("selector", sel).Msg("widget confirmed by websocket activity")
			return tried, nil
		}
	}

	// Positional fallback needs an explicit position hint.
	if cfg.Position != "" {
		tried = append(tried, "position:"+cfg.Position)
		before := cap.Count()
		if err := clickByPosition(ctx, pg, cfg.Position, cfg.ElementKind); err == nil &&
			waitForSocketCount(ctx, cap, before, clickConfirmWindow) {
			return tried, nil
		}
	}

	return tried, fmt.Errorf("no selector produced a websocket")
}

// hintSelectors turns caller hints into concrete selectors, most specific
// first.
func hintSelectors(h *models.WidgetHints) []string {
	if h == nil {
		return nil
	}
	var out []string
	scope := ""
	if h.Container != "" {
		scope = h.Container + " "
	}
	for _, t := range h.ButtonText {
		out = append(out, "text:"+t)
	}
	for _, c := range h.ContainsClass {
		out = append(out, fmt.Sprintf(`%s[class*="%s"]`, scope, c))
	}
	for _, id := range h.ContainsID {
		out = append(out, fmt.Sprintf(`%s[id*="%s"]`, scope, id))
	}
	for _, src := range h.IframeSrc {
		out = append(out, fmt.Sprintf(`iframe[src*="%s"]`, src))
	}
	for k, v := range h.DataAttributes {
		out = append(out, fmt.Sprintf(`%s[%s="%s"]`, scope, k, v))
	}
	return out
}

// waitForSocketCount polls for the capture to grow past before.
func waitForSocketCount(ctx context.Context, cap *Capture, before int, window time.Duration) bool {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(window)
	for {
		if cap.Count() > before {
			return true
		}
		select {
		case <-tick.C:
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// dismissCookieBanners clicks the first visible consent button, if any,
// and settles for a second. Silent when nothing matches.
func dismissCookieBanners(ctx context.Context, pg *page) {
	selectors, _ := json.Marshal(cookieBannerSelectors)
	var clicked bool
	script := fmt.Sprintf(`(() => {
		for (const sel of %s) {
			const el = document.querySelector(sel);
			if (el && el.offsetParent !== null) { el.click(); return true; }
		}
		return false;
	})()`, selectors)
	if err := pg.evaluate(ctx, script, &clicked); err != nil {
		return
	}
	if clicked {
		log.Debug().Msg("cookie banner dismissed")
		time.Sleep(time.Second)
	}
}

// clickAcrossFrames clicks the first element matching the selector in the
// main document or any same-origin child frame.
func clickAcrossFrames(ctx context.Context, pg *page, selector string) error {
	sel, _ := json.Marshal(selector)
	var clicked bool
	script := fmt.Sprintf(`(() => {
		const tryDoc = (doc) => {
			const el = doc.querySelector(%s);
			if (el) { el.click(); return true; }
			for (const frame of doc.querySelectorAll('iframe')) {
				try {
					if (frame.contentDocument && tryDoc(frame.contentDocument)) return true;
				} catch (e) { /* cross-origin */ }
			}
			return false;
		};
		return tryDoc(document);
	})()`, sel)
	if err := pg.evaluate(ctx, script, &clicked); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("selector %q not found", selector)
	}
	return nil
}

// clickByText clicks the first visible button-like element whose text
// contains the given string, optionally scoped to a container.
func clickByText(ctx context.Context, pg *page, text, container string) error {
	textJSON, _ := json.Marshal(strings.ToLower(text))
	scopeJSON, _ := json.Marshal(container)
	var clicked bool
	script := fmt.Sprintf(`(() => {
		const scopeSel = %s;
		const root = scopeSel ? document.querySelector(scopeSel) : document;
		if (!root) return false;
		const nodes = root.querySelectorAll('button, a, [role="button"], div[onclick]');
		for (const el of nodes) {
			if (el.offsetParent === null) continue;
			if ((el.innerText || '').toLowerCase().includes(%s)) { el.click(); return true; }
		}
		return false;
	})()`, scopeJSON, textJSON)
	if err := pg.evaluate(ctx, script, &clicked); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("no element with text %q", text)
	}
	return nil
}

// clickByPosition clicks the topmost element of the wanted kind near a
// screen corner: the positional fallback of the heuristic strategy.
func clickByPosition(ctx context.Context, pg *page, position, elementKind string) error {
	var x, y string
	switch position {
	case "bottom-right":
		x, y = "window.innerWidth - 40", "window.innerHeight - 40"
	case "bottom-left":
		x, y = "40", "window.innerHeight - 40"
	case "bottom-center":
		x, y = "window.innerWidth / 2", "window.innerHeight - 40"
	default:
		return fmt.Errorf("unknown position %q", position)
	}
	kindJSON, _ := json.Marshal(elementKind)
	var clicked bool
	script := fmt.Sprintf(`(() => {
		const el = document.elementFromPoint(%s, %s);
		if (!el) return false;
		const kind = %s;
		const target = kind ? el.closest(kind) : el;
		if (!target) return false;
		target.click();
		return true;
	})()`, x, y, kindJSON)
	if err := pg.evaluate(ctx, script, &clicked); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("nothing clickable at %s", position)
	}
	return nil
}

// runSteps executes the scripted strategy's primitives in order.
func runSteps(ctx context.Context, pg *page, steps []models.WidgetStep) ([]string, error) {
	var tried []string
	for i, step := range steps {
		if ctx.Err() != nil {
			return tried, ctx.Err()
		}
		switch step.Action {
		case "click":
			tried = append(tried, step.Selector)
			if err := clickAcrossFrames(ctx, pg, step.Selector); err != nil {
				return tried, fmt.Errorf("step %d: %w", i, err)
			}

		case "type":
			tried = append(tried, step.Selector)
			if err := typeInto(ctx, pg, step.Selector, step.Text); err != nil {
				return tried, fmt.Errorf("step %d: %w", i, err)
			}

		case "wait":
			d := time.Duration(step.WaitMs) * time.Millisecond
			if d <= 0 {
				d = time.Second
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return tried, ctx.Err()
			}

		case "waitForSelector":
			tried = append(tried, step.Selector)
			if err := waitForSelector(ctx, pg, step.Selector, 10*time.Second); err != nil {
				return tried, fmt.Errorf("step %d: %w", i, err)
			}

		case "evaluate":
			if err := pg.evaluate(ctx, step.Script, nil); err != nil {
				return tried, fmt.Errorf("step %d: %w", i, err)
			}

		default:
			return tried, fmt.Errorf("step %d: unknown action %q", i, step.Action)
		}
	}
	return tried, nil
}

func typeInto(ctx context.Context, pg *page, selector, text string) error {
	sel, _ := json.Marshal(selector)
	val, _ := json.Marshal(text)
	var ok bool
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.focus();
		el.value = %s;
		el.dispatchEvent(new Event('input', {bubbles: true}));
		return true;
	})()`, sel, val)
	if err := pg.evaluate(ctx, script, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("selector %q not found", selector)
	}
	return nil
}

func waitForSelector(ctx context.Context, pg *page, selector string, timeout time.Duration) error {
	sel, _ := json.Marshal(selector)
	script := fmt.Sprintf(`document.querySelector(%s) !== null`, sel)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(timeout)
	for {
		var found bool
		if err := pg.evaluate(ctx, script, &found); err == nil && found {
			return nil
		}
		select {
		case <-tick.C:
		case <-deadline:
			return fmt.Errorf("selector %q never appeared", selector)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
