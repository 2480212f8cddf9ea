package logger

import "strings"

// RedactEmail masks the local part of an address so log lines stay usable
// without exposing the recipient: "jean.dupont@example.com" becomes
// "je***@example.com". Anything that does not look like an address is fully
// masked.
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || strings.Count(email, "@") != 1 {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
