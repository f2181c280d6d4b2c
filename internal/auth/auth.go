// Package auth maps a target's typed auth config onto request headers or,
// for WebSocket upgrades that reject custom headers, query parameters.
//
// OAuth2 is delegated: the caller performs the token exchange and supplies
// the resulting bearer token in the auth config at connect time.
package auth

import (
	"encoding/base64"
	"net/url"

	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// Config keys understood per auth kind.
const (
	KeyToken      = "token"       // bearer, oauth2
	KeyAPIKey     = "api_key"     // api-key
	KeyHeaderName = "header_name" // api-key
	KeyUsername   = "username"    // basic
	KeyPassword   = "password"    // basic
)

// Headers builds the header set for an auth kind. The result depends only
// on the config: absent required fields produce no header, never a
// partially formed one. Unknown kinds are a ConfigError.
func Headers(kind models.AuthKind, cfg map[string]string) (map[string]string, error) {
	switch kind {
	case models.AuthNone, "":
		return map[string]string{}, nil

	case models.AuthBearer, models.AuthOAuth2:
		h := map[string]string{}
		if token := cfg[KeyToken]; token != "" {
			h["Authorization"] = "Bearer " + token
		}
		return h, nil

	case models.AuthAPIKey:
		h := map[string]string{}
		name, key := cfg[KeyHeaderName], cfg[KeyAPIKey]
		if name != "" && key != "" {
			h[name] = key
		}
		return h, nil

	case models.AuthBasic:
		h := map[string]string{}
		user, pass := cfg[KeyUsername], cfg[KeyPassword]
		if user != "" && pass != "" {
			creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
			h["Authorization"] = "Basic " + creds
		}
		return h, nil

	case models.AuthCustomHeader:
		h := make(map[string]string, len(cfg))
		for k, v := range cfg {
			h[k] = v
		}
		return h, nil

	default:
		return nil, connector.Configf("unknown auth kind %q", kind)
	}
}

// QueryFallback returns the query parameters used when a WebSocket server
// rejects upgrade headers: token= for bearer, api_key= for api-key. Other
// kinds have no query form.
func QueryFallback(kind models.AuthKind, cfg map[string]string) url.Values {
	v := url.Values{}
	switch kind {
	case models.AuthBearer, models.AuthOAuth2:
		if token := cfg[KeyToken]; token != "" {
			v.Set("token", token)
		}
	case models.AuthAPIKey:
		if key := cfg[KeyAPIKey]; key != "" {
			v.Set("api_key", key)
		}
	}
	return v
}

// Redact renders a secret as a length-limited prefix for logging.
// Credentials are never logged verbatim.
func Redact(secret string) string {
	const keep = 4
	if len(secret) <= keep {
		return "****"
	}
	return secret[:keep] + "****"
}
