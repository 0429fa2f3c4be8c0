package token

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/TheMichaelB/carmarket/internal/models"
)

// claimPolicy rewrites a decoded payload in place and reports whether it changed anything.
type claimPolicy func(payload map[string]any) bool

// providerPolicies holds the per-provider fixups applied before a token is stored.
//
// Google accounts complete their second factor at Google, so the backend issues
// tokens without the mfa claim. Marking them complete here only affects what
// the client shows; the backend still enforces its own MFA rules.
var providerPolicies = map[models.AuthProvider]claimPolicy{
	models.ProviderGoogle: func(payload map[string]any) bool {
		if done, ok := payload["mfa"].(bool); ok && done {
			return false
		}
		payload["mfa"] = true
		return true
	},
}

// Normalize applies the provider policy for raw's authProvider claim. The header
// and signature segments are returned untouched. When no policy applies raw is
// returned as is with changed=false.
func Normalize(raw string) (normalized string, changed bool, err error) {
	parts, err := splitSegments(raw)
	if err != nil {
		return raw, false, err
	}

	payload, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return raw, false, fmt.Errorf("%w: payload encoding: %v", models.ErrMalformedToken, err)
	}

	// UseNumber keeps large numeric claims from being rounded through float64
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return raw, false, fmt.Errorf("%w: payload: %v", models.ErrMalformedToken, err)
	}

	providerClaim, _ := claims["authProvider"].(string)
	provider, ok := models.ParseAuthProvider(providerClaim)
	if !ok {
		return raw, false, nil
	}

	policy, ok := providerPolicies[provider]
	if !ok || !policy(claims) {
		return raw, false, nil
	}

	encoded, err := json.Marshal(claims)
	if err != nil {
		return raw, false, fmt.Errorf("re-encode payload: %w", err)
	}

	return parts[0] + "." + base64.RawURLEncoding.EncodeToString(encoded) + "." + parts[2], true, nil
}
