package refresh

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// maxAgeFromJWT scans the discovered credentials (Authorization header,
// then localStorage values) for a JWT with an exp claim and returns the
// remaining lifetime. The token is parsed without verification; the
// runtime is a client of the widget's credentials, not their issuer.
// Results are clamped so a stale or absurd exp cannot stall refreshes.
func maxAgeFromJWT(result *models.DiscoveryResult, now time.Time) (time.Duration, bool) {
	const (
		minAge = 30 * time.Second
		maxCap = 24 * time.Hour
	)
	parser := jwt.NewParser()
	for _, candidate := range result.JWTCandidates() {
		token := strings.TrimPrefix(candidate, "Bearer ")
		if strings.Count(token, ".") != 2 {
			continue
		}
		claims := jwt.MapClaims{}
		if _, _, err := parser.ParseUnverified(token, claims); err != nil {
			continue
		}
		exp, err := claims.GetExpirationTime()
		if err != nil || exp == nil {
			continue
		}
		age := exp.Sub(now)
		if age < minAge {
			age = minAge
		}
		if age > maxCap {
			age = maxCap
		}
		return age, true
	}
	return 0, false
}
