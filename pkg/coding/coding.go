// Package coding converts between FHIR Coding objects and the compact
// "system|code" strings used in flat columns.
package coding

import (
	"strings"

	"github.com/gofhir/fhir/r4"
	"github.com/spf13/cast"
)

// Separator joins a system and a code.
const Separator = "|"

// FromMap reads a Coding from its JSON object form. Numeric codes are
// stringified without a decimal part.
func FromMap(m map[string]any) r4.Coding {
	var c r4.Coding
	if s := Text(m["system"]); s != "" {
		c.System = &s
	}
	if s := Text(m["code"]); s != "" {
		c.Code = &s
	}
	if s, ok := m["display"].(string); ok {
		c.Display = &s
	}
	return c
}

// ToMap returns the JSON object form of c, omitting unset members.
func ToMap(c r4.Coding) map[string]any {
	m := make(map[string]any, 3)
	if c.System != nil {
		m["system"] = *c.System
	}
	if c.Code != nil {
		m["code"] = *c.Code
	}
	if c.Display != nil {
		m["display"] = *c.Display
	}
	return m
}

// Encode returns "system|code", or "" when c has no code. The system may be
// empty.
func Encode(c r4.Coding) string {
	if c.Code == nil || *c.Code == "" {
		return ""
	}
	system := ""
	if c.System != nil {
		system = *c.System
	}
	return system + Separator + *c.Code
}

// Decode splits a "system|code" string. A string without a separator is a
// bare code. The empty string yields an empty Coding.
func Decode(s string) r4.Coding {
	var c r4.Coding
	if s == "" {
		return c
	}
	system, code, found := strings.Cut(s, Separator)
	if !found {
		code, system = s, ""
	}
	if system != "" {
		c.System = &system
	}
	if code != "" {
		c.Code = &code
	}
	return c
}

// WithDisplay returns c with its display set to v when v is a string.
func WithDisplay(c r4.Coding, v any) r4.Coding {
	if s, ok := v.(string); ok {
		c.Display = &s
	}
	return c
}

// Display returns the display of c, or nil.
func Display(c r4.Coding) any {
	if c.Display == nil {
		return nil
	}
	return *c.Display
}

// Text stringifies a scalar code or system value. nil yields "".
func Text(v any) string {
	if v == nil {
		return ""
	}
	return cast.ToString(v)
}
