// Package guard classifies generated SQL as safe to execute or rejected.
//
// The check is lexical: comments are stripped, the remaining text is split
// into word tokens and compared against fixed keyword sets. It never
// rewrites the statement that is later executed and it over-rejects
// ambiguous input, so a denied keyword inside a string literal still
// rejects the statement.
package guard

import (
	"fmt"
	"regexp"
	"strings"
)

type Decision string

const (
	Safe     Decision = "SAFE"
	Rejected Decision = "REJECTED"
)

// Rule names reported in Verdict.Rule.
const (
	RuleEmpty          = "empty"
	RuleMultiStatement = "multi_statement"
	RuleDenylist       = "denylist"
	RuleLeadingKeyword = "leading_keyword"
	RuleCartesian      = "cartesian"
)

type Verdict struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
	Rule     string   `json:"rule,omitempty"`
	Keyword  string   `json:"keyword,omitempty"`
}

func (v Verdict) Safe() bool {
	return v.Decision == Safe
}

type Policy struct {
	Denylist        []string
	Leading         []string
	RejectCartesian bool
}

var defaultDenylist = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "TRUNCATE", "CREATE",
	"GRANT", "REVOKE", "MERGE", "CALL", "EXECUTE", "COPY", "VACUUM",
	"INTO", "BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT", "LOCK",
}

func DefaultPolicy() Policy {
	return Policy{
		Denylist: append([]string(nil), defaultDenylist...),
		Leading:  []string{"SELECT", "WITH", "EXPLAIN"},
	}
}

// Check applies DefaultPolicy.
func Check(sql string) Verdict {
	return DefaultPolicy().Check(sql)
}

var (
	tokenPattern     = regexp.MustCompile(`[\p{L}\p{N}_$]+`)
	leadingPattern   = regexp.MustCompile(`^[(\s]*([\p{L}\p{N}_$]+)`)
	separatorPattern = regexp.MustCompile(`;\s*\S`)
	onTruePattern    = regexp.MustCompile(`\bON\s+1\s*=\s*1\b`)
)

func (p Policy) Check(sql string) Verdict {
	normalized := strings.ToUpper(collapseSpace(StripComments(sql)))
	if normalized == "" {
		return reject(RuleEmpty, "", "empty statement")
	}
	if separatorPattern.MatchString(normalized) {
		return reject(RuleMultiStatement, ";", "multiple statements are not allowed")
	}

	tokens := tokenPattern.FindAllString(normalized, -1)
	denied := make(map[string]struct{}, len(p.Denylist))
	for _, keyword := range p.Denylist {
		denied[strings.ToUpper(keyword)] = struct{}{}
	}
	for _, token := range tokens {
		if _, ok := denied[token]; ok {
			return reject(RuleDenylist, token, "forbidden keyword: "+token)
		}
	}

	// Opening parentheses are allowed before the keyword; anything else,
	// including a quoted identifier, is not.
	first := ""
	if m := leadingPattern.FindStringSubmatch(normalized); m != nil {
		first = m[1]
	}
	if !p.allowedLeading(first) {
		return reject(RuleLeadingKeyword, first, fmt.Sprintf("statement must begin with %s", strings.Join(p.Leading, ", ")))
	}

	if p.RejectCartesian {
		for i := 0; i+1 < len(tokens); i++ {
			if tokens[i] == "CROSS" && tokens[i+1] == "JOIN" {
				return reject(RuleCartesian, "CROSS JOIN", "cartesian join: CROSS JOIN")
			}
		}
		if onTruePattern.MatchString(normalized) {
			return reject(RuleCartesian, "ON 1=1", "cartesian join: ON 1=1")
		}
	}
	return Verdict{Decision: Safe}
}

func (p Policy) allowedLeading(token string) bool {
	if token == "" {
		return false
	}
	for _, keyword := range p.Leading {
		if strings.EqualFold(keyword, token) {
			return true
		}
	}
	return false
}

func reject(rule, keyword, reason string) Verdict {
	return Verdict{Decision: Rejected, Rule: rule, Keyword: keyword, Reason: reason}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// StripComments removes -- and /* */ comments. Quoted strings,
// quoted identifiers and dollar-quoted bodies are copied verbatim so
// comment markers inside them do not hide the rest of the statement.
func StripComments(sql string) string {
	var out strings.Builder
	out.Grow(len(sql))
	for i := 0; i < len(sql); {
		switch {
		case strings.HasPrefix(sql[i:], "--"):
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				return out.String()
			}
			out.WriteByte(' ')
			i += end
		case strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return out.String()
			}
			out.WriteByte(' ')
			i += end + 4
		case sql[i] == '\'' || sql[i] == '"' || sql[i] == '`':
			n := quotedLen(sql[i:], sql[i])
			out.WriteString(sql[i : i+n])
			i += n
		case sql[i] == '$':
			if tag := dollarTag(sql[i:]); tag != "" {
				end := strings.Index(sql[i+len(tag):], tag)
				if end < 0 {
					out.WriteString(sql[i:])
					return out.String()
				}
				n := len(tag) + end + len(tag)
				out.WriteString(sql[i : i+n])
				i += n
				continue
			}
			out.WriteByte(sql[i])
			i++
		default:
			out.WriteByte(sql[i])
			i++
		}
	}
	return out.String()
}

// TrimStatement drops whitespace, semicolons and comments that trail the
// last token of sql. Everything before that token is returned unchanged.
func TrimStatement(sql string) string {
	end := 0
	for i := 0; i < len(sql); {
		switch {
		case strings.HasPrefix(sql[i:], "--"):
			next := strings.IndexByte(sql[i:], '\n')
			if next < 0 {
				i = len(sql)
				continue
			}
			i += next
		case strings.HasPrefix(sql[i:], "/*"):
			next := strings.Index(sql[i+2:], "*/")
			if next < 0 {
				i = len(sql)
				continue
			}
			i += next + 4
		case sql[i] == '\'' || sql[i] == '"' || sql[i] == '`':
			i += quotedLen(sql[i:], sql[i])
			end = i
		case sql[i] == '$':
			if tag := dollarTag(sql[i:]); tag != "" {
				next := strings.Index(sql[i+len(tag):], tag)
				if next < 0 {
					return strings.TrimSpace(sql)
				}
				i += len(tag) + next + len(tag)
			} else {
				i++
			}
			end = i
		case sql[i] == ';' || isSpace(sql[i]):
			i++
		default:
			i++
			end = i
		}
	}
	return strings.TrimSpace(sql[:end])
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

// quotedLen returns the length of the quoted run starting at s[0],
// treating a doubled quote as an escape. An unterminated quote runs to the
// end of input.
func quotedLen(s string, quote byte) int {
	for i := 1; i < len(s); i++ {
		if s[i] != quote {
			continue
		}
		if i+1 < len(s) && s[i+1] == quote {
			i++
			continue
		}
		return i + 1
	}
	return len(s)
}

var dollarTagPattern = regexp.MustCompile(`^\$[A-Za-z_]?[A-Za-z0-9_]*\$`)

func dollarTag(s string) string {
	return dollarTagPattern.FindString(s)
}
