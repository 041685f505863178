package misskey

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// QuoteJSONString renders s as a JSON string literal. It escapes `"` and `\`,
// uses the short forms \b \f \n \r \t, and writes any other control
// character as \u00XX. Everything else, including non-ASCII text, is copied
// through unchanged.
func QuoteJSONString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// ExtractJSONString finds the first occurrence of the quoted property name
// in body and decodes the string literal that follows its colon. Only string
// values are recognised; escapes \" \\ \/ \b \f \n \r \t and \uXXXX (with
// surrogate pairs) are decoded. It is a field scanner, not a parser: the
// first matching key wins regardless of nesting.
func ExtractJSONString(body, property string) (string, bool) {
	if body == "" || property == "" {
		return "", false
	}
	pattern := `"` + property + `"`
	idx := strings.Index(body, pattern)
	if idx < 0 {
		return "", false
	}
	rest := body[idx+len(pattern):]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "", false
	}
	rest = strings.TrimLeft(rest[colon+1:], " \t\r\n")
	if rest == "" || rest[0] != '"' {
		return "", false
	}
	return decodeStringLiteral(rest[1:])
}

// decodeStringLiteral decodes up to the closing quote. An unterminated
// literal reports false.
func decodeStringLiteral(s string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '"':
			return b.String(), true
		case c != '\\':
			r, size := utf8.DecodeRuneInString(s[i:])
			b.WriteRune(r)
			i += size
			continue
		}

		// escape
		i++
		if i >= len(s) {
			return "", false
		}
		esc := s[i]
		i++
		switch esc {
		case '"', '\\', '/':
			b.WriteByte(esc)
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'u':
			r, ok := parseHex4(s, i)
			if !ok {
				return "", false
			}
			i += 4
			if utf16.IsSurrogate(r) {
				if lo, ok := parseLowSurrogate(s, i); ok {
					r = utf16.DecodeRune(r, lo)
					i += 6
				} else {
					r = utf8.RuneError
				}
			}
			b.WriteRune(r)
		default:
			b.WriteByte(esc)
		}
	}
	return "", false
}

func parseHex4(s string, i int) (rune, bool) {
	if i+4 > len(s) {
		return 0, false
	}
	v, err := strconv.ParseUint(s[i:i+4], 16, 16)
	if err != nil {
		return 0, false
	}
	return rune(v), true
}

func parseLowSurrogate(s string, i int) (rune, bool) {
	if i+6 > len(s) || s[i] != '\\' || s[i+1] != 'u' {
		return 0, false
	}
	r, ok := parseHex4(s, i+2)
	if !ok || r < 0xDC00 || r > 0xDFFF {
		return 0, false
	}
	return r, true
}

// Truncate shortens s to max runes, appending "..." when something was cut.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}
