package middleware

import "strings"

// MaskToken маскирует токен в логах (видны только первые символы).
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return "****"
	}
	return s[:8] + "***"
}
