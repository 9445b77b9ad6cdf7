package security

import (
	"regexp"
	"strings"
)

// sensitiveFields contains field names that should be masked in logs.
var sensitiveFields = map[string]bool{
	"api_key":       true,
	"api_secret":    true,
	"apikey":        true,
	"secret":        true,
	"password":      true,
	"pin":           true,
	"totp":          true,
	"totp_secret":   true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"feed_token":    true,
	"authorization": true,
}

// sensitivePatterns match credentials embedded in free text such as
// broker error messages or URLs.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|access[_-]?token|refresh[_-]?token|request[_-]?token|auth[_-]?code|password|pin)([=:]\s*)["']?([^\s"'&,]+)`),
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-_.]+)`),
	regexp.MustCompile(`(?i)(token\s+)([A-Za-z0-9]+:[A-Za-z0-9]+)`),
}

// MaskCredential keeps the first and last two characters of a secret.
func MaskCredential(value string) string {
	if len(value) <= 6 {
		return strings.Repeat("*", len(value))
	}
	return value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
}

// IsSensitiveField reports whether a field name holds a secret.
func IsSensitiveField(field string) bool {
	return sensitiveFields[strings.ToLower(field)]
}

// MaskString masks credentials embedded in free text.
func MaskString(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			sub := pattern.FindStringSubmatch(match)
			secret := sub[len(sub)-1]
			return strings.TrimSuffix(match, secret) + MaskCredential(secret)
		})
	}
	return result
}

// MaskFields returns a copy of data with sensitive values masked.
func MaskFields(data map[string]string) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		if IsSensitiveField(k) {
			out[k] = MaskCredential(v)
		} else {
			out[k] = MaskString(v)
		}
	}
	return out
}
