package observability

import "unicode"

const defaultFieldLimit = 256

// sanitizeField strips control characters (except common whitespace) and caps
// length so request-derived values cannot inject structure into log output.
func sanitizeField(value string, limit int) string {
	if limit <= 0 {
		limit = defaultFieldLimit
	}

	out := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return string(out)
}

// SanitizeRoute normalises a request path for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeField(route, 180)
}

// SanitizeMethod normalises an HTTP method for logging.
func SanitizeMethod(method string) string {
	return sanitizeField(method, 10)
}

// SanitizeUserID caps identifier length to keep account ids loggable without
// dragging arbitrary payloads into the logs.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return sanitizeField(uid, 64)
}
