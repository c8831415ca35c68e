package sqlguard

import (
	"strings"
	"unicode"
)

type scanState int

const (
	stateCode scanState = iota
	stateSingleQuote
	stateDoubleQuote
	stateLineComment
	stateBlockComment
)

type token struct {
	text   string
	quoted bool
}

type scanResult struct {
	// text is the input with comments removed.
	text       string
	tokens     []token
	separators int
}

// scan removes comments and splits the remainder into upper-cased words. Words
// inside quotes are kept and flagged so keyword checks can still see them.
func scan(input string) (scanResult, error) {
	var (
		out    strings.Builder
		word   strings.Builder
		result scanResult
		quoted bool
		state  = stateCode
	)
	out.Grow(len(input))
	flush := func() {
		if word.Len() == 0 {
			return
		}
		result.tokens = append(result.tokens, token{text: strings.ToUpper(word.String()), quoted: quoted})
		word.Reset()
	}

	runes := []rune(input)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch state {
		case stateCode:
			switch {
			case c == '-' && next == '-':
				flush()
				state = stateLineComment
				i++
			case c == '/' && next == '*':
				flush()
				state = stateBlockComment
				out.WriteRune(' ')
				i++
			case c == '\'':
				flush()
				state, quoted = stateSingleQuote, true
				out.WriteRune(c)
			case c == '"':
				flush()
				state, quoted = stateDoubleQuote, true
				out.WriteRune(c)
			case c == '$' && word.Len() == 0:
				return scanResult{}, &RejectionError{Rule: RuleMalformed, Detail: "dollar-quoted text and positional parameters are not allowed"}
			case isWordRune(c):
				word.WriteRune(c)
				out.WriteRune(c)
			default:
				flush()
				if c == ';' {
					result.separators++
				}
				out.WriteRune(c)
			}
		case stateSingleQuote, stateDoubleQuote:
			// E'' strings and standard_conforming_strings=off treat a backslash
			// as an escape, so the closing quote would be ambiguous.
			if c == '\\' && state == stateSingleQuote {
				return scanResult{}, &RejectionError{Rule: RuleMalformed, Detail: "backslashes are not allowed in string literals"}
			}
			out.WriteRune(c)
			closing := '\''
			if state == stateDoubleQuote {
				closing = '"'
			}
			switch {
			case c == closing:
				flush()
				state, quoted = stateCode, false
			case isWordRune(c):
				word.WriteRune(c)
			default:
				flush()
			}
		case stateLineComment:
			if c == '\n' {
				state = stateCode
				out.WriteRune(c)
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateCode
				i++
			}
		}
	}
	flush()

	switch state {
	case stateSingleQuote, stateDoubleQuote:
		return scanResult{}, &RejectionError{Rule: RuleMalformed, Detail: "unterminated quoted text"}
	case stateBlockComment:
		return scanResult{}, &RejectionError{Rule: RuleMalformed, Detail: "unterminated block comment"}
	}
	result.text = out.String()
	return result, nil
}

func isWordRune(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
