// Package extract discovers code definitions with per-language regex
// rules. It trades exactness for universality: no parser to keep in
// sync per language version, approximate end lines from a bounded
// brace or indent scan, and aggressive noise filtering instead of
// grammar awareness.
package extract

import "strings"

// Definitions extracts declarations from one file's content. The
// second return reports truncation after the per-file cap. Unknown
// languages produce no definitions.
func Definitions(language, content string) ([]Definition, bool) {
	lang, ok := languages[language]
	if !ok || len(lang.rules) == 0 {
		return nil, false
	}

	lines := strings.Split(content, "\n")
	var defs []Definition
	for i, line := range lines {
		d, ok := matchLine(lang, lines, i, line)
		if !ok {
			continue
		}
		if len(defs) >= maxDefinitionsPerFile {
			return defs, true
		}
		defs = append(defs, d)
	}
	return defs, false
}

// matchLine tries every rule against one line. The first rule that
// yields a valid name wins, so each line produces at most one
// definition.
func matchLine(lang *languageRules, lines []string, i int, line string) (Definition, bool) {
	for _, rl := range lang.rules {
		m := rl.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := m[1]
		if !validName(name) {
			continue
		}

		start := i + 1
		end := start
		if lang.indentBody {
			end = indentEnd(lines, i)
		} else {
			end = braceEnd(lines, i)
		}

		return Definition{
			Name:      name,
			Kind:      rl.kind,
			Signature: signature(line),
			Snippet:   snippet(lines, i),
			StartLine: start,
			EndLine:   end,
			Exported:  lang.exported(name, line),
		}, true
	}
	return Definition{}, false
}

func validName(name string) bool {
	bare := strings.TrimPrefix(name, "~")
	if len(bare) < minNameLen || len(bare) > maxNameLen {
		return false
	}
	_, reserved := controlFlowWords[bare]
	return !reserved
}

func signature(line string) string {
	sig := strings.TrimSpace(line)
	sig = strings.TrimSuffix(sig, "{")
	sig = strings.TrimSpace(sig)
	if len(sig) > maxSignatureLen {
		sig = sig[:maxSignatureLen]
	}
	return sig
}

func snippet(lines []string, i int) string {
	end := i + snippetLines
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[i:end], "\n")
}

// braceEnd walks forward from the header line balancing curly braces.
// The scan gives up after maxBodyScan lines and on one-line bodies
// returns the header line itself. Braces inside strings are counted
// too; the result is an approximation, not a parse.
func braceEnd(lines []string, i int) int {
	limit := i + maxBodyScan
	if limit >= len(lines) {
		limit = len(lines) - 1
	}

	depth := 0
	opened := false
	for j := i; j <= limit; j++ {
		depth += strings.Count(lines[j], "{") - strings.Count(lines[j], "}")
		if depth > 0 {
			opened = true
		}
		if opened && depth <= 0 {
			return j + 1
		}
		// A declaration that never opens a body ends on its own line.
		if !opened && j > i+2 {
			return i + 1
		}
	}
	if !opened {
		return i + 1
	}
	return limit + 1
}

// indentEnd finds the last line indented deeper than the header,
// skipping blanks, capped at maxBodyScan lines.
func indentEnd(lines []string, i int) int {
	base := indentWidth(lines[i])
	limit := i + maxBodyScan
	if limit >= len(lines) {
		limit = len(lines) - 1
	}

	end := i
	for j := i + 1; j <= limit; j++ {
		if strings.TrimSpace(lines[j]) == "" {
			continue
		}
		if indentWidth(lines[j]) <= base {
			break
		}
		end = j
	}
	return end + 1
}

func indentWidth(line string) int {
	w := 0
	for _, c := range line {
		switch c {
		case ' ':
			w++
		case '\t':
			w += 8
		default:
			return w
		}
	}
	return w
}
