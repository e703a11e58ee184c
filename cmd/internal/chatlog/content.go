package chatlog

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// NeutralColor is used for content that does not carry its own color.
	NeutralColor = "#888888"
	// SystemAlias is the synthetic sender for content that cannot be parsed.
	SystemAlias = "系统"

	plainSeparator = ": "
)

// Content is the decoded form of a stored message.
type Content struct {
	Alias string `json:"alias"`
	Text  string `json:"content"`
	Color string `json:"color"`
}

// Encoding selects how Content is written to the log.
type Encoding string

const (
	// EncodingPlain stores "alias: text". Color is not persisted.
	EncodingPlain Encoding = "plain"
	// EncodingStructured stores a JSON object {alias, content, color}.
	EncodingStructured Encoding = "structured"
)

// ParseEncoding maps a config string to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(s))) {
	case "", EncodingPlain:
		return EncodingPlain, nil
	case EncodingStructured:
		return EncodingStructured, nil
	default:
		return "", fmt.Errorf("chatlog: unknown encoding %q", s)
	}
}

// Encode renders c with the given encoding.
func Encode(enc Encoding, c Content) (string, error) {
	if enc == EncodingStructured {
		b, err := json.Marshal(c)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return EncodePlain(c), nil
}

// EncodePlain renders c as "alias: text".
func EncodePlain(c Content) string {
	return c.Alias + plainSeparator + c.Text
}

// Decode turns stored content back into a Content. It never fails:
//   - a JSON object with a non-empty alias decodes as structured content
//     (missing color becomes NeutralColor);
//   - otherwise the string is split on the first ": " with both sides
//     non-empty, colored NeutralColor;
//   - anything else is attributed to SystemAlias verbatim.
//
// An alias that itself contains ": " is split at the wrong place. This is
// inherent to the plain encoding.
func Decode(s string) Content {
	if strings.HasPrefix(s, "{") {
		var c Content
		if err := json.Unmarshal([]byte(s), &c); err == nil && c.Alias != "" {
			if c.Color == "" {
				c.Color = NeutralColor
			}
			return c
		}
	}

	if alias, text, ok := strings.Cut(s, plainSeparator); ok && alias != "" && text != "" {
		return Content{Alias: alias, Text: text, Color: NeutralColor}
	}

	return Content{Alias: SystemAlias, Text: s, Color: NeutralColor}
}
