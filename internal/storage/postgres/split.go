package postgres

import "strings"

// SplitStatements splits a SQL script into individual statements on top-level
// semicolons. Semicolons inside single-quoted literals (with '' escapes),
// double-quoted identifiers, dollar-quoted bodies and comments do not split.
// Comments are dropped and empty statements are skipped.
func SplitStatements(script string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}

	n := len(script)
	for i := 0; i < n; i++ {
		c := script[i]
		switch {
		case c == '\'' || c == '"':
			end := quotedEnd(script, i, c)
			cur.WriteString(script[i:end])
			i = end - 1
		case c == '-' && i+1 < n && script[i+1] == '-':
			for i < n && script[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case c == '/' && i+1 < n && script[i+1] == '*':
			end := strings.Index(script[i+2:], "*/")
			if end < 0 {
				i = n
				continue
			}
			i += end + 3
			cur.WriteByte(' ')
		case c == '$':
			tag, ok := dollarTag(script, i)
			if !ok {
				cur.WriteByte(c)
				continue
			}
			body := strings.Index(script[i+len(tag):], tag)
			end := n
			if body >= 0 {
				end = i + len(tag) + body + len(tag)
			}
			cur.WriteString(script[i:end])
			i = end - 1
		case c == ';':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

// quotedEnd returns the index just past the literal opened at start. A doubled
// quote character is an escaped quote. Unterminated literals run to the end.
func quotedEnd(s string, start int, quote byte) int {
	for i := start + 1; i < len(s); i++ {
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

// dollarTag recognises $$ or $name$ at position i.
func dollarTag(s string, i int) (string, bool) {
	j := i + 1
	for j < len(s) {
		c := s[j]
		if c == '$' {
			return s[i : j+1], true
		}
		isLetter := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		if !isLetter && !(isDigit && j > i+1) {
			return "", false
		}
		j++
	}
	return "", false
}
