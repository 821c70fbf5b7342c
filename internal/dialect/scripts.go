package dialect

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Script splitting cannot be a strings.Split on semicolons: drivers refuse
// compound scripts, and a semicolon may sit inside a string literal, a
// quoted identifier, a comment, or a BEGIN..END block (trigger and
// procedure bodies). The lexer below walks the script once, tracking those
// states, and emits statements only at top-level semicolons.

var (
	errUnterminatedLiteral = errors.New("dialect: unterminated string literal")
	errUnterminatedQuote   = errors.New("dialect: unterminated quoted identifier")
	errUnterminatedComment = errors.New("dialect: unterminated block comment")
	errUnbalancedBlock     = errors.New("dialect: unbalanced BEGIN/END block")
)

type scriptSplitter struct {
	// hashComments enables MySQL-style # line comments.
	hashComments bool
}

func (s scriptSplitter) split(script string) ([]string, error) {
	var (
		statements []string
		current    strings.Builder
		depth      int
	)

	runes := []rune(script)
	size := len(runes)

	flush := func() {
		statement := strings.TrimSpace(current.String())
		current.Reset()
		if statement != "" {
			statements = append(statements, statement)
		}
	}

	for i := 0; i < size; {
		ch := runes[i]

		switch {
		case ch == '\'' || ch == '"' || ch == '`':
			end, err := scanQuoted(runes, i, ch)
			if err != nil {
				return nil, err
			}
			current.WriteString(string(runes[i:end]))
			i = end

		case ch == '[':
			end := i + 1
			for end < size && runes[end] != ']' {
				end++
			}
			if end >= size {
				return nil, errUnterminatedQuote
			}
			end++
			current.WriteString(string(runes[i:end]))
			i = end

		case ch == '-' && i+1 < size && runes[i+1] == '-':
			for i < size && runes[i] != '\n' {
				i++
			}

		case s.hashComments && ch == '#':
			for i < size && runes[i] != '\n' {
				i++
			}

		case ch == '/' && i+1 < size && runes[i+1] == '*':
			end := i + 2
			for end+1 < size && !(runes[end] == '*' && runes[end+1] == '/') {
				end++
			}
			if end+1 >= size {
				return nil, errUnterminatedComment
			}
			i = end + 2

		case isWordStart(ch):
			end := i
			for end < size && isWordRune(runes[end]) {
				end++
			}
			word := string(runes[i:end])
			switch strings.ToUpper(word) {
			case "BEGIN":
				// BEGIN TRANSACTION is a plain statement, not a block opener.
				if !followedByTransaction(runes, end) {
					depth++
				}
			case "END":
				if depth > 0 {
					depth--
				}
			}
			current.WriteString(word)
			i = end

		case ch == ';' && depth == 0:
			flush()
			i++

		default:
			current.WriteRune(ch)
			i++
		}
	}

	if depth != 0 {
		return nil, errUnbalancedBlock
	}
	if remainder := strings.TrimSpace(current.String()); remainder != "" {
		flush()
	}
	return statements, nil
}

// scanQuoted consumes a quoted region starting at start, honoring the
// doubled-quote escape, and returns the index one past the closing quote.
func scanQuoted(runes []rune, start int, quote rune) (int, error) {
	i := start + 1
	for i < len(runes) {
		if runes[i] != quote {
			i++
			continue
		}
		if i+1 < len(runes) && runes[i+1] == quote {
			i += 2
			continue
		}
		return i + 1, nil
	}
	if quote == '\'' {
		return 0, errUnterminatedLiteral
	}
	return 0, errUnterminatedQuote
}

func followedByTransaction(runes []rune, from int) bool {
	i := from
	for i < len(runes) && unicode.IsSpace(runes[i]) {
		i++
	}
	end := i
	for end < len(runes) && isWordRune(runes[end]) {
		end++
	}
	next := strings.ToUpper(string(runes[i:end]))
	return next == "TRANSACTION" || next == "DEFERRED" || next == "IMMEDIATE" || next == "EXCLUSIVE" || next == ""
}

func isWordStart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch)
}

func isWordRune(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch) || unicode.IsDigit(ch)
}

// SplitStatements runs the default splitter; it is exported for callers that
// need statement boundaries without a dialect at hand.
func SplitStatements(script string) ([]string, error) {
	statements, err := scriptSplitter{}.split(script)
	if err != nil {
		return nil, fmt.Errorf("split script: %w", err)
	}
	return statements, nil
}
