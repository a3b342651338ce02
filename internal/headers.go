package internal

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// HeaderEquals checks if header equals expected value (case insensitive).
// If yes - returns `"", true`
// If no - returns `"<actual_value>", false`
func HeaderEquals(h http.Header, header, expectedValue string) (string, bool) {
	actualValue := h.Get(header)
	if strings.EqualFold(expectedValue, actualValue) {
		return "", true
	}
	return actualValue, false
}

// HeaderHasToken reports whether a comma separated header such as
// Connection lists token, ignoring case.
func HeaderHasToken(h http.Header, header, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(header), token)
}

// HeaderTokens splits every value of a comma separated header into its
// trimmed, non-empty elements, keeping their order.
func HeaderTokens(h http.Header, header string) []string {
	var tokens []string
	for _, v := range h.Values(header) {
		for _, t := range strings.Split(v, ",") {
			t = strings.TrimSpace(t)
			if t == "" || !httpguts.ValidHeaderFieldValue(t) {
				continue
			}
			tokens = append(tokens, t)
		}
	}
	return tokens
}

type Param struct {
	Key   string
	Value string
}

type Element struct {
	Name   string
	Params []Param
}

// ParseElements parses `name; key=value; flag, other` lists as used by
// Sec-WebSocket-Extensions. Quoted values are unquoted.
func ParseElements(h http.Header, header string) []Element {
	var elems []Element
	for _, raw := range HeaderTokens(h, header) {
		parts := strings.Split(raw, ";")
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		if name == "" || !isToken(name) {
			continue
		}

		el := Element{Name: name}
		for _, p := range parts[1:] {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			key, value, _ := strings.Cut(p, "=")
			key = strings.ToLower(strings.TrimSpace(key))
			value = strings.Trim(strings.TrimSpace(value), `"`)
			if !isToken(key) {
				continue
			}
			el.Params = append(el.Params, Param{Key: key, Value: value})
		}
		elems = append(elems, el)
	}
	return elems
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !httpguts.IsTokenRune(rune(s[i])) {
			return false
		}
	}
	return true
}
