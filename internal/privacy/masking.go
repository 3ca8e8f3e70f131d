package privacy

import (
	"strings"
)

// MaskEmail masks an email address while keeping enough structure for
// debugging. Example: "management@example.org" -> "ma********@example.org"
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}

	at := strings.LastIndex(email, "@")
	if at <= 0 {
		// Not an address; mask it like an opaque identifier.
		return maskString(email, 2)
	}

	local := email[:at]
	domain := email[at:]

	if len(local) <= 2 {
		return strings.Repeat("*", len(local)) + domain
	}
	return local[:2] + strings.Repeat("*", len(local)-2) + domain
}

// MaskToken masks a request token, showing only the last 4 characters.
// Tokens are capabilities; full values never belong in logs.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	return maskString(token, 4)
}

// MaskOrgCode masks an issued organization code entirely except its length.
func MaskOrgCode(code string) string {
	return strings.Repeat("*", len(code))
}

// maskString masks a string showing only the last visibleChars characters
func maskString(s string, visibleChars int) string {
	if len(s) <= visibleChars {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-visibleChars) + s[len(s)-visibleChars:]
}
