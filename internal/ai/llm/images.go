package llm

import "strings"

// parseDataURL splits a base64 data URI into media type and payload.
func parseDataURL(raw string) (mediaType string, data string, ok bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	meta, payload, found := strings.Cut(raw, ",")
	if !found {
		return "", "", false
	}
	meta = strings.TrimPrefix(meta, "data:")
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		mediaType = "image/png"
	}
	return mediaType, payload, true
}

func imageCaption(callID string) string {
	return "Image output of tool call " + callID + "."
}
