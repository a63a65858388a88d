package common

// MaskSecret renders a secret safe for logs. Long values keep their first
// and last four characters; short ones are fully hidden.
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
