package txbox

import (
	"encoding/base64"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

func encodeHeader(h MessageHeader) (string, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeHeader(s string) (MessageHeader, error) {
	var h MessageHeader
	if s == "" {
		return h, nil
	}
	err := json.Unmarshal([]byte(s), &h)
	return h, err
}

func encodeBody(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBody(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// bodyText returns the payload as text when it is valid UTF-8, for operators reading the table.
func bodyText(b []byte) string {
	if !utf8.Valid(b) {
		return ""
	}
	return string(b)
}
