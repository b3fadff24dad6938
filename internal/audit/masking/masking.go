package masking

import "strings"

const maskToken = "****"

var sensitiveKeys = map[string]struct{}{
	"account_number": {},
	"api_key":        {},
	"secret":         {},
	"signature":      {},
	"webhook_secret": {},
}

// MaskSecret redacts a value and keeps the last four characters.
// A prefix ending in "_" (rf_op_) stays readable.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskMetadata returns a copy where values under sensitive keys are redacted.
func MaskMetadata(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}

	masked := make(map[string]any, len(input))
	for key, value := range input {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := sensitiveKeys[strings.ToLower(key)]; ok {
			masked[key] = maskValue(value)
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			masked[key] = MaskMetadata(nested)
			continue
		}
		masked[key] = value
	}
	return masked
}

func maskValue(value any) any {
	switch cast := value.(type) {
	case string:
		return MaskSecret(cast)
	case *string:
		if cast == nil {
			return nil
		}
		return MaskSecret(*cast)
	default:
		return maskToken
	}
}

func splitPrefix(value string) (string, string) {
	last := strings.LastIndex(value, "_")
	if last == -1 || last == len(value)-1 {
		return "", value
	}
	return value[:last+1], value[last+1:]
}
