package classifier

import "regexp"

// Continuation rules: given the language inferred from the trace's first
// line, does this line belong to the same trace?
var (
	causeRegex = regexp.MustCompile(`^\s*(?:\[cause\]:|Caused by:)`)

	atContinuationRegex = regexp.MustCompile(`^\s+at\s+`)

	pythonFileRegex   = regexp.MustCompile(`^\s+File "`)
	pythonIndentRegex = regexp.MustCompile(`^\s{2,}\S`)
	pythonExcRegex    = regexp.MustCompile(`^\s*\w+(?:Error|Exception)\s*:`)

	goIndentRegex    = regexp.MustCompile(`^(?:\t|\s{2,})\S`)
	goGoroutineRegex = regexp.MustCompile(`^goroutine `)
	goFileLineRegex  = regexp.MustCompile(`\.go:\d+`)

	javaMoreRegex = regexp.MustCompile(`\.\.\.\s+\d+\s+more`)

	rubyFromRegex = regexp.MustCompile(`^\s*from /`)

	rustSrcFrameRegex = regexp.MustCompile(`^\s+at src/`)
	rustNumberedRegex = regexp.MustCompile(`^\s+\d+:`)

	phpFrameRegex = regexp.MustCompile(`^\s*#\d+\s+`)

	dotnetEndRegex = regexp.MustCompile(`^\s*--- End of `)

	genericIndentRegex = regexp.MustCompile(`^\s{2,}\S`)

	// A deeply-indented line that nevertheless opens with its own timestamp
	// or [tag] prefix is a fresh structured log, not a continuation.
	freshLogRegex = regexp.MustCompile(`^\s*(?:\d{4}-\d{2}-\d{2}[T ]|\d{2}:\d{2}:\d{2}|\[[^\]]+\])`)
)

// IsContinuation reports whether line extends a stack trace whose first
// line was inferred to be lang.
func IsContinuation(line string, lang Language) bool {
	if causeRegex.MatchString(line) {
		return true
	}

	switch lang {
	case LangNode:
		return atContinuationRegex.MatchString(line)
	case LangPython:
		return pythonFileRegex.MatchString(line) ||
			pythonIndentRegex.MatchString(line) ||
			pythonExcRegex.MatchString(line)
	case LangGo:
		return goIndentRegex.MatchString(line) ||
			goGoroutineRegex.MatchString(line) ||
			goFileLineRegex.MatchString(line)
	case LangJava:
		return atContinuationRegex.MatchString(line) ||
			javaMoreRegex.MatchString(line)
	case LangRuby:
		return rubyFromRegex.MatchString(line)
	case LangRust:
		return rustSrcFrameRegex.MatchString(line) ||
			rustNumberedRegex.MatchString(line) ||
			atContinuationRegex.MatchString(line)
	case LangPHP:
		return phpFrameRegex.MatchString(line)
	case LangDotNet:
		return atContinuationRegex.MatchString(line) ||
			dotnetEndRegex.MatchString(line)
	default:
		return genericIndentRegex.MatchString(line) && !freshLogRegex.MatchString(line)
	}
}
