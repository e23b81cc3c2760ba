package extract

import (
	"regexp"
	"strings"
	"unicode"
)

// rule matches one declaration form. The first non-empty capture
// group is the definition name.
type rule struct {
	kind string
	re   *regexp.Regexp
}

// languageRules is the per-language extraction config. Rules are tried
// in order and the first match on a line wins.
type languageRules struct {
	rules      []rule
	indentBody bool // end line found by indentation rather than braces
	exported   func(name, line string) bool
}

// controlFlowWords can never be definition names. Regex false
// positives (mostly C-family function patterns) land here.
var controlFlowWords = map[string]struct{}{
	"if": {}, "else": {}, "elif": {}, "for": {}, "foreach": {}, "while": {},
	"do": {}, "switch": {}, "match": {}, "case": {}, "when": {}, "try": {},
	"catch": {}, "finally": {}, "return": {}, "break": {}, "continue": {},
	"defer": {}, "select": {}, "goto": {}, "unless": {}, "until": {},
	"sizeof": {}, "typeof": {}, "new": {}, "delete": {}, "throw": {},
	"assert": {}, "yield": {}, "await": {},
}

func r(kind, pattern string) rule {
	return rule{kind: kind, re: regexp.MustCompile(pattern)}
}

func upperExported(name, _ string) bool {
	for _, c := range name {
		return unicode.IsUpper(c)
	}
	return false
}

func underscorePrivate(name, _ string) bool {
	return !strings.HasPrefix(name, "_")
}

func notPrivateKeyword(_, line string) bool {
	return !strings.Contains(line, "private")
}

// jsExported treats export-marked top-level declarations and
// non-private class members as public surface.
func jsExported(name, line string) bool {
	if strings.Contains(line, "export") {
		return true
	}
	indented := len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
	return indented && !strings.Contains(line, "private") && !strings.HasPrefix(name, "_")
}

func tsRules(typed bool) *languageRules {
	rules := []rule{
		r(KindClass, `^(?:export\s+)?(?:default\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`),
		r(KindFunction, `^(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)\s*\(`),
		r(KindFunction, `^(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*(?::\s*[^=]+)?=\s*(?:async\s+)?(?:function\b|\([^)]*\)\s*(?::\s*[^=]+)?=>|[A-Za-z_$][\w$]*\s*=>)`),
	}
	if typed {
		rules = append(rules,
			r(KindInterface, `^(?:export\s+)?interface\s+([A-Za-z_$][\w$]*)`),
			r(KindEnum, `^(?:export\s+)?(?:const\s+)?enum\s+([A-Za-z_$][\w$]*)`),
			r(KindType, `^(?:export\s+)?type\s+([A-Za-z_$][\w$]*)(?:<[^>]*>)?\s*=`),
		)
	}
	rules = append(rules,
		r(KindMethod, `^\s+(?:(?:public|private|protected|static|async|readonly|override|get|set)\s+)*\*?([A-Za-z_$][\w$]*)\s*\([^)]*\)\s*(?::\s*[^({]+)?\{`),
	)
	return &languageRules{rules: rules, exported: jsExported}
}

func javaLike(extra ...rule) []rule {
	rules := []rule{
		r(KindInterface, `^\s*(?:(?:public|protected|private|static|abstract|sealed)\s+)*@?interface\s+([A-Za-z_]\w*)`),
		r(KindEnum, `^\s*(?:(?:public|protected|private|static)\s+)*enum\s+([A-Za-z_]\w*)`),
		r(KindClass, `^\s*(?:(?:public|protected|private|static|final|abstract|sealed|non-sealed)\s+)*(?:class|record)\s+([A-Za-z_]\w*)`),
	}
	return append(rules, extra...)
}

var languages = map[string]*languageRules{
	"go": {
		rules: []rule{
			r(KindMethod, `^func\s+\([^)]+\)\s+([A-Za-z_]\w*)\s*\(`),
			r(KindFunction, `^func\s+([A-Za-z_]\w*)\s*[(\[]`),
			r(KindStruct, `^type\s+([A-Za-z_]\w*)(?:\[[^\]]*\])?\s+struct\b`),
			r(KindInterface, `^type\s+([A-Za-z_]\w*)(?:\[[^\]]*\])?\s+interface\b`),
			r(KindType, `^type\s+([A-Za-z_]\w*)(?:\[[^\]]*\])?\s+\S`),
		},
		exported: upperExported,
	},

	"typescript": tsRules(true),
	"javascript": tsRules(false),

	"python": {
		rules: []rule{
			r(KindClass, `^\s*class\s+([A-Za-z_]\w*)`),
			r(KindMethod, `^\s+(?:async\s+)?def\s+([A-Za-z_]\w*)\s*\(`),
			r(KindFunction, `^(?:async\s+)?def\s+([A-Za-z_]\w*)\s*\(`),
		},
		indentBody: true,
		exported:   underscorePrivate,
	},

	"rust": {
		rules: []rule{
			r(KindMacro, `^macro_rules!\s+([A-Za-z_]\w*)`),
			r(KindImpl, `^impl(?:<[^>]*>)?\s+(?:[\w:]+(?:<[^>]*>)?\s+for\s+)?([A-Za-z_]\w*)`),
			r(KindFunction, `^\s*(?:pub(?:\([^)]*\))?\s+)?(?:const\s+)?(?:async\s+)?(?:unsafe\s+)?(?:extern\s+"[^"]*"\s+)?fn\s+([A-Za-z_]\w*)`),
			r(KindStruct, `^\s*(?:pub(?:\([^)]*\))?\s+)?struct\s+([A-Za-z_]\w*)`),
			r(KindEnum, `^\s*(?:pub(?:\([^)]*\))?\s+)?enum\s+([A-Za-z_]\w*)`),
			r(KindTrait, `^\s*(?:pub(?:\([^)]*\))?\s+)?(?:unsafe\s+)?trait\s+([A-Za-z_]\w*)`),
			r(KindType, `^\s*(?:pub(?:\([^)]*\))?\s+)?type\s+([A-Za-z_]\w*)`),
		},
		exported: func(name, line string) bool {
			trimmed := strings.TrimSpace(line)
			return strings.Contains(line, "pub ") || strings.Contains(line, "pub(") ||
				strings.HasPrefix(trimmed, "impl") || strings.HasPrefix(trimmed, "macro_rules!")
		},
	},

	"java": {
		rules: javaLike(
			r(KindMethod, `^\s*(?:(?:public|protected|private|static|final|abstract|synchronized|native|default)\s+)+[\w<>\[\],.?\s]+?\s+([A-Za-z_]\w*)\s*\([^)]*\)\s*(?:throws\s+[\w,.\s]+)?\{`),
		),
		exported: notPrivateKeyword,
	},

	"kotlin": {
		rules: []rule{
			r(KindEnum, `^\s*(?:(?:public|private|internal)\s+)*enum\s+class\s+([A-Za-z_]\w*)`),
			r(KindInterface, `^\s*(?:(?:public|private|internal|sealed|fun)\s+)*interface\s+([A-Za-z_]\w*)`),
			r(KindClass, `^\s*(?:(?:public|private|internal|open|abstract|sealed|data|annotation|value|inner)\s+)*(?:class|object)\s+([A-Za-z_]\w*)`),
			r(KindFunction, `^\s*(?:(?:public|private|protected|internal|open|override|suspend|inline|tailrec|operator|infix|external|actual|expect)\s+)*fun\s+(?:<[^>]*>\s+)?(?:[\w.?<>]+\.)?([A-Za-z_]\w*)\s*\(`),
		},
		exported: func(name, line string) bool {
			return !strings.Contains(line, "private") && !strings.Contains(line, "internal")
		},
	},

	"scala": {
		rules: []rule{
			r(KindTrait, `^\s*(?:(?:private|protected|sealed)\s+)*trait\s+([A-Za-z_]\w*)`),
			r(KindClass, `^\s*(?:(?:private|protected|final|abstract|sealed|case|implicit)\s+)*(?:class|object)\s+([A-Za-z_]\w*)`),
			r(KindMethod, `^\s*(?:(?:private|protected|final|implicit|lazy|override)\s+)*def\s+([A-Za-z_]\w*)`),
		},
		exported: notPrivateKeyword,
	},

	"c": {
		rules: []rule{
			r(KindMacro, `^#\s*define\s+([A-Za-z_]\w*)`),
			r(KindStruct, `^\s*(?:typedef\s+)?(?:struct|union)\s+([A-Za-z_]\w*)`),
			r(KindEnum, `^\s*(?:typedef\s+)?enum\s+([A-Za-z_]\w*)`),
			r(KindFunction, `^(?:(?:static|inline|extern)\s+)*[A-Za-z_][\w\s\*]*[\s\*]([A-Za-z_]\w*)\s*\([^;]*\)\s*\{`),
		},
		exported: func(_, line string) bool {
			return !strings.Contains(line, "static ")
		},
	},

	"cpp": {
		rules: []rule{
			r(KindMacro, `^#\s*define\s+([A-Za-z_]\w*)`),
			r(KindClass, `^\s*(?:template\s*<[^>]*>\s*)?class\s+([A-Za-z_]\w*)`),
			r(KindStruct, `^\s*(?:typedef\s+)?(?:struct|union)\s+([A-Za-z_]\w*)`),
			r(KindEnum, `^\s*(?:typedef\s+)?enum\s+(?:class\s+)?([A-Za-z_]\w*)`),
			r(KindMethod, `::(~?[A-Za-z_]\w*|operator\S{1,2})\s*\([^;]*\)\s*(?:const\s*)?(?:noexcept\s*)?\{?\s*$`),
			r(KindFunction, `^(?:(?:static|inline|extern|constexpr|virtual)\s+)*[A-Za-z_][\w\s\*&<>:,]*[\s\*&]([A-Za-z_]\w*)\s*\([^;]*\)\s*(?:const\s*)?\{`),
		},
		exported: func(_, line string) bool {
			return !strings.Contains(line, "static ")
		},
	},

	"ruby": {
		rules: []rule{
			r(KindModule, `^\s*module\s+([A-Z]\w*)`),
			r(KindClass, `^\s*class\s+([A-Z]\w*)`),
			r(KindMethod, `^\s*def\s+(?:self\.)?([A-Za-z_]\w*[!?=]?)`),
		},
		indentBody: true,
		exported:   underscorePrivate,
	},

	"php": {
		rules: []rule{
			r(KindInterface, `^\s*interface\s+([A-Za-z_]\w*)`),
			r(KindTrait, `^\s*trait\s+([A-Za-z_]\w*)`),
			r(KindEnum, `^\s*enum\s+([A-Za-z_]\w*)`),
			r(KindClass, `^\s*(?:(?:final|abstract|readonly)\s+)*class\s+([A-Za-z_]\w*)`),
			r(KindFunction, `^\s*(?:(?:public|private|protected|static|final|abstract)\s+)*function\s+&?([A-Za-z_]\w*)\s*\(`),
		},
		exported: notPrivateKeyword,
	},

	"swift": {
		rules: []rule{
			r(KindProtocol, `^\s*(?:(?:public|open|internal|private|fileprivate)\s+)*protocol\s+([A-Za-z_]\w*)`),
			r(KindImpl, `^\s*(?:(?:public|open|internal|private|fileprivate)\s+)*extension\s+([A-Za-z_]\w*)`),
			r(KindEnum, `^\s*(?:(?:public|open|internal|private|fileprivate|indirect)\s+)*enum\s+([A-Za-z_]\w*)`),
			r(KindStruct, `^\s*(?:(?:public|open|internal|private|fileprivate)\s+)*struct\s+([A-Za-z_]\w*)`),
			r(KindClass, `^\s*(?:(?:public|open|internal|private|fileprivate|final)\s+)*class\s+([A-Za-z_]\w*)`),
			r(KindFunction, `^\s*(?:(?:public|open|internal|private|fileprivate|static|class|final|override|mutating|nonisolated)\s+)*func\s+([A-Za-z_]\w*|[-+*/=<>!&|^%~.]{2,})\s*[(<]`),
		},
		exported: func(_, line string) bool {
			return strings.Contains(line, "public") || strings.Contains(line, "open ")
		},
	},

	// Markup carries no extractable definitions. Scanned files still
	// get a CodeFile record.
	"html": {rules: nil, exported: func(string, string) bool { return false }},
}
