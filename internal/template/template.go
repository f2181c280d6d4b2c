// Package template maps free-form messages onto protocol bodies and
// projects replies back out, driven entirely by path expressions so any
// endpoint can be described declaratively.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/jsonpath"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// BuildRequest deep-clones the template structure, injects msg at the
// message path, and substitutes variables. The template itself is never
// mutated. extraVars (per-send) win over the template's own variables.
func BuildRequest(msg string, tpl *models.RequestTemplate, extraVars map[string]string) (map[string]interface{}, error) {
	if tpl == nil || tpl.MessagePath == "" {
		return nil, connector.Configf("request template with a message path is required")
	}
	path, err := jsonpath.Parse(tpl.MessagePath)
	if err != nil {
		return nil, connector.Configf("message path: %v", err)
	}

	doc := jsonpath.Clone(map[string]interface{}(tpl.Structure))
	root := jsonpath.Set(doc, path, msg)
	body, ok := root.(map[string]interface{})
	if !ok {
		return nil, connector.Configf("template structure must be a JSON object")
	}

	vars := make(map[string]string, len(tpl.Variables)+len(extraVars))
	for k, v := range tpl.Variables {
		vars[k] = v
	}
	for k, v := range extraVars {
		vars[k] = v
	}
	if len(vars) > 0 {
		substitute(body, vars)
	}
	return body, nil
}

// substitute replaces, in place, any string value equal to "${name}" or
// the bare name with the variable's value.
func substitute(node interface{}, vars map[string]string) {
	switch t := node.(type) {
	case map[string]interface{}:
		for k, v := range t {
			if s, ok := v.(string); ok {
				if rep, ok := lookupVar(s, vars); ok {
					t[k] = rep
					continue
				}
			}
			substitute(v, vars)
		}
	case []interface{}:
		for i, v := range t {
			if s, ok := v.(string); ok {
				if rep, ok := lookupVar(s, vars); ok {
					t[i] = rep
					continue
				}
			}
			substitute(v, vars)
		}
	}
}

func lookupVar(s string, vars map[string]string) (string, bool) {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		if v, ok := vars[s[2:len(s)-1]]; ok {
			return v, true
		}
		return "", false
	}
	v, ok := vars[s]
	return v, ok
}

// ExtractResponse evaluates the response path on raw and applies the
// configured transform. A path that does not resolve is a
// ResponseShapeError naming the path.
func ExtractResponse(raw interface{}, tpl *models.ResponseTemplate) (string, error) {
	if tpl == nil || tpl.ResponsePath == "" {
		return "", connector.Configf("response template with a response path is required")
	}
	path, err := jsonpath.Parse(tpl.ResponsePath)
	if err != nil {
		return "", connector.Configf("response path: %v", err)
	}
	v, found := jsonpath.Get(raw, path)
	if !found {
		return "", &connector.ResponseShapeError{Path: tpl.ResponsePath}
	}

	content := stringify(v)
	switch tpl.Transform {
	case models.TransformMarkdownStrip:
		return stripMarkdown(content), nil
	case models.TransformHTMLStrip:
		return stripHTML(content), nil
	default:
		return content, nil
	}
}

// ExtractTokens returns the raw usage object at the token path, unchanged;
// vendors disagree on field names and callers normalize.
func ExtractTokens(raw interface{}, tpl *models.ResponseTemplate) (interface{}, bool) {
	if tpl == nil || tpl.TokenUsagePath == "" {
		return nil, false
	}
	path, err := jsonpath.Parse(tpl.TokenUsagePath)
	if err != nil {
		return nil, false
	}
	return jsonpath.Get(raw, path)
}

// ExtractError returns the string at the error path, if present.
func ExtractError(raw interface{}, tpl *models.ResponseTemplate) (string, bool) {
	if tpl == nil || tpl.ErrorPath == "" {
		return "", false
	}
	path, err := jsonpath.Parse(tpl.ErrorPath)
	if err != nil {
		return "", false
	}
	v, found := jsonpath.Get(raw, path)
	if !found {
		return "", false
	}
	return stringify(v), true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ── Transforms ───────────────────────────────────────────────

var (
	mdHeader   = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdBold     = regexp.MustCompile(`\*\*([^*]*)\*\*|__([^_]*)__`)
	mdItalic   = regexp.MustCompile(`\*([^*]*)\*|_([^_]*)_`)
	mdCodeSpan = regexp.MustCompile("`([^`]*)`")
	htmlTag    = regexp.MustCompile(`<[^>]*>`)
)

func stripMarkdown(s string) string {
	s = mdHeader.ReplaceAllString(s, "")
	s = mdBold.ReplaceAllString(s, "$1$2")
	s = mdItalic.ReplaceAllString(s, "$1$2")
	s = mdCodeSpan.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

func stripHTML(s string) string {
	return strings.TrimSpace(htmlTag.ReplaceAllString(s, ""))
}
