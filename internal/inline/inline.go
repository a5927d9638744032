// Package inline parses and formats inline "data:" payloads.
package inline

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotInline is returned when a string is a remote reference rather than a data URL.
var ErrNotInline = errors.New("not an inline payload")

// Payload is a decoded data URL.
type Payload struct {
	MIME string
	Data []byte
}

// IsInline reports whether s is a data URL.
func IsInline(s string) bool {
	return len(s) >= 5 && strings.EqualFold(s[:5], "data:")
}

// Parse decodes a data URL of the form data:[<mime>][;base64],<data>.
func Parse(s string) (*Payload, error) {
	if !IsInline(s) {
		return nil, ErrNotInline
	}
	header, body, ok := strings.Cut(s[5:], ",")
	if !ok {
		return nil, fmt.Errorf("data url: missing ','")
	}

	params := strings.Split(header, ";")
	mime := strings.TrimSpace(params[0])
	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if mime == "" {
		mime = "text/plain"
	}

	var data []byte
	if isBase64 {
		var err error
		data, err = base64.StdEncoding.DecodeString(body)
		if err != nil {
			// Some producers drop padding.
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(body, "="))
			if err != nil {
				return nil, fmt.Errorf("data url: %w", err)
			}
		}
	} else {
		unescaped, err := url.PathUnescape(body)
		if err != nil {
			return nil, fmt.Errorf("data url: %w", err)
		}
		data = []byte(unescaped)
	}
	return &Payload{MIME: strings.ToLower(mime), Data: data}, nil
}

// String formats the payload as a base64 data URL.
func (p *Payload) String() string {
	return "data:" + p.MIME + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

// Size returns the decoded length of a data URL without decoding it, or 0
// for a remote reference. Percent-encoded bodies report their encoded length.
func Size(s string) int {
	if !IsInline(s) {
		return 0
	}
	header, body, ok := strings.Cut(s[5:], ",")
	if !ok {
		return 0
	}
	for _, p := range strings.Split(header, ";")[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			return base64.RawStdEncoding.DecodedLen(len(strings.TrimRight(body, "=")))
		}
	}
	return len(body)
}
