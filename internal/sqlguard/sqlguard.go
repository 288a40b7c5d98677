// Package sqlguard rejects SQL that could modify data before it reaches a
// database connection.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultForbiddenKeywords is the deny-list used when New is given none.
var DefaultForbiddenKeywords = []string{
	"DROP", "DELETE", "UPDATE", "INSERT", "ALTER", "TRUNCATE", "CREATE",
	"GRANT", "REVOKE", "MERGE", "EXEC", "CALL", "COPY",
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`;\s*DROP`),
	regexp.MustCompile(`;\s*DELETE`),
	regexp.MustCompile(`;\s*UPDATE`),
	regexp.MustCompile(`;\s*INSERT`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`/\*`),
}

// ValidationError reports why a statement was rejected. It is never
// retryable.
type ValidationError struct {
	Reason  string
	Keyword string
}

func (e *ValidationError) Error() string {
	if e.Keyword != "" {
		return fmt.Sprintf("unsafe sql: %s: %s", e.Reason, e.Keyword)
	}
	return "unsafe sql: " + e.Reason
}

type Validator struct {
	forbidden map[string]struct{}
}

func New(forbiddenKeywords []string) *Validator {
	if len(forbiddenKeywords) == 0 {
		forbiddenKeywords = DefaultForbiddenKeywords
	}
	forbidden := make(map[string]struct{}, len(forbiddenKeywords))
	for _, keyword := range forbiddenKeywords {
		keyword = strings.ToUpper(strings.TrimSpace(keyword))
		if keyword == "" {
			continue
		}
		forbidden[keyword] = struct{}{}
	}
	return &Validator{forbidden: forbidden}
}

// Validate returns the statement with surrounding whitespace and trailing
// semicolons removed. Original casing is preserved in the returned SQL.
//
// Forbidden keywords and injection patterns are matched over the whole text,
// quoted literals included, so `WHERE note = 'drop'` is rejected. A semicolon
// inside a quoted literal or identifier does not count as a statement break.
func (v *Validator) Validate(candidate string) (string, error) {
	statement := StripTrailingSemicolons(candidate)
	if statement == "" {
		return "", &ValidationError{Reason: "statement is empty"}
	}
	upper := strings.ToUpper(statement)

	tokens := Tokenize(upper)
	if !strings.HasPrefix(upper, "SELECT") || len(tokens) == 0 || tokens[0] != "SELECT" {
		return "", &ValidationError{Reason: "only SELECT statements are allowed"}
	}
	for _, token := range tokens {
		if _, blocked := v.forbidden[token]; blocked {
			return "", &ValidationError{Reason: "forbidden keyword", Keyword: token}
		}
	}
	for _, pattern := range injectionPatterns {
		if pattern.MatchString(upper) {
			return "", &ValidationError{Reason: "potentially unsafe pattern", Keyword: pattern.String()}
		}
	}
	if strings.Contains(StripQuoted(statement), ";") {
		return "", &ValidationError{Reason: "multiple statements are not allowed"}
	}
	return statement, nil
}

func StripTrailingSemicolons(sql string) string {
	trimmed := strings.TrimSpace(sql)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

// Tokenize splits sql into maximal runs of identifier characters. Quoted
// text is not treated specially.
func Tokenize(sql string) []string {
	return strings.FieldsFunc(sql, func(r rune) bool {
		return !isIdentRune(r)
	})
}

// HasToken reports whether keyword appears as a standalone token in sql,
// ignoring case.
func HasToken(sql, keyword string) bool {
	keyword = strings.ToUpper(keyword)
	for _, token := range Tokenize(strings.ToUpper(sql)) {
		if token == keyword {
			return true
		}
	}
	return false
}

// HasClauseToken is HasToken with quoted literals and identifiers blanked
// out first, so `'credit limit'` or "limit" do not count as a LIMIT clause.
func HasClauseToken(sql, keyword string) bool {
	return HasToken(StripQuoted(sql), keyword)
}

// StripQuoted replaces the contents of '...' string literals and "..." or
// `...` quoted identifiers, quotes included, with spaces. A doubled quote
// inside a literal is handled as two adjacent literals. An unterminated quote
// blanks the rest of the text.
func StripQuoted(sql string) string {
	out := []rune(sql)
	var quote rune
	for i, r := range out {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			out[i] = ' '
		case r == '\'' || r == '"' || r == '`':
			quote = r
			out[i] = ' '
		}
	}
	return string(out)
}

func isIdentRune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		return true
	default:
		return r > 127
	}
}
