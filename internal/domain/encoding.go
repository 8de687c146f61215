package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeImagePayload decodes the wire convention used by callers: raw base64,
// optionally prefixed with a data URI header such as
// "data:image/png;base64,". Returns the decoded bytes and the declared MIME
// type when a data URI prefix was present.
func DecodeImagePayload(payload string) ([]byte, string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, "", fmt.Errorf("%w: empty image payload", ErrInvalidRequest)
	}

	mime := ""
	if strings.HasPrefix(payload, "data:") {
		comma := strings.Index(payload, ",")
		if comma < 0 {
			return nil, "", fmt.Errorf("%w: malformed data uri", ErrInvalidRequest)
		}
		header := payload[len("data:"):comma]
		if semi := strings.Index(header, ";"); semi >= 0 {
			mime = header[:semi]
		} else {
			mime = header
		}
		payload = payload[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode image: %v", ErrInvalidRequest, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty image payload", ErrInvalidRequest)
	}
	return data, mime, nil
}

// EncodeImagePayload encodes image bytes using the same data-URI convention
// callers send, so outputs round-trip symmetrically.
func EncodeImagePayload(data []byte, mime string) string {
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
