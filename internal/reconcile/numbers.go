package reconcile

import "strings"

// NormalizeNumber strips everything but digits and a leading '+'. The
// literal "unknown" (any case) that some channel drivers report in place of
// a caller id is treated as absent.
func NormalizeNumber(raw string) string {
	if strings.Contains(strings.ToLower(raw), "unknown") {
		return ""
	}
	var b strings.Builder
	for i, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func digitCount(n string) int {
	return len(strings.TrimPrefix(n, "+"))
}

// LooksLikeExtension reports whether the normalized number has the shape of
// an internal extension: 3 to 5 digits, no leading '+'.
func LooksLikeExtension(raw string) bool {
	n := NormalizeNumber(raw)
	if n == "" || strings.HasPrefix(n, "+") {
		return false
	}
	return len(n) >= 3 && len(n) <= 5
}

// LooksLikeExternal reports whether the normalized number has the shape of
// an external phone number: at least 6 digits after the optional '+'.
func LooksLikeExternal(raw string) bool {
	n := NormalizeNumber(raw)
	return n != "" && digitCount(n) >= 6
}

// ExtractDialedNumber pulls the dialed number out of a dial string like
// "TRUNK1/01712345678" or "PJSIP/01712345678@provider" by stripping the
// technology/trunk prefix and any trailing dial options.
func ExtractDialedNumber(dialString string) string {
	s := dialString
	if idx := strings.LastIndex(s, "/"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.IndexAny(s, "@,"); idx >= 0 {
		s = s[:idx]
	}
	return NormalizeNumber(s)
}
