package privacy

import (
	"strings"
)

// MaskEmail keeps the first character of the local part and the domain
// Example: "jane.doe@example.com" -> "j*******@example.com"
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return maskString(email, 0)
	}
	local, domain := email[:at], email[at:]
	if len(local) == 1 {
		return "*" + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-1) + domain
}

// MaskToken hides a credential entirely except for its last 4 characters
// Example: "MTA4NjQ.abc.xyz9" -> "************xyz9"
func MaskToken(token string) string {
	if len(token) < 12 {
		return maskString(token, 0)
	}
	return maskString(token, 4)
}

// MaskUserID masks a user identifier
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	if userID == "" {
		return ""
	}
	return maskString(userID, 4)
}

// MaskName keeps initials only
// Example: "Jane Doe" -> "J*** D**"
func MaskName(name string) string {
	words := strings.Fields(name)
	for i, w := range words {
		r := []rune(w)
		words[i] = string(r[0]) + strings.Repeat("*", len(r)-1)
	}
	return strings.Join(words, " ")
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "email", "client_email":
			masked[k] = MaskEmail(s)
		case "token", "secret", "password", "access_key", "signature":
			masked[k] = MaskToken(s)
		case "client_name", "name":
			masked[k] = MaskName(s)
		case "user_id", "client_id":
			masked[k] = MaskUserID(s)
		default:
			masked[k] = v
		}
	}
	return masked
}
