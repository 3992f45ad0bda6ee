// Package classifier decides whether a single log line represents an error,
// assigns a severity, extracts a request endpoint when one is present, and
// infers the source language so the assembler can apply the right stack
// continuation rules.
package classifier

import (
	"regexp"
	"strings"

	"github.com/errlyhq/errly/pkg/models"
)

// Language is the inferred source language of an error line.
type Language string

const (
	LangUnknown Language = ""
	LangNode    Language = "node"
	LangPython  Language = "python"
	LangGo      Language = "go"
	LangJava    Language = "java"
	LangRuby    Language = "ruby"
	LangRust    Language = "rust"
	LangPHP     Language = "php"
	LangDotNet  Language = "dotnet"
)

// Result of classifying one log line.
type Result struct {
	IsError  bool
	Severity models.Severity
	Message  string
	Endpoint string // "" when none extracted
	Language Language
}

// Structured level markers. A line carrying an explicit info/debug/trace
// level is never an error, regardless of any other marker on the line:
// plenty of services route info logs through stderr, which would otherwise
// arrive wrapped in an [err] bracket and be misclassified.
var (
	structuredInfoRegex  = regexp.MustCompile(`(?i)\blevel\s*=\s*"?(?:info|debug|trace)"?\b|"level"\s*:\s*"(?:info|debug|trace)"`)
	structuredErrRegex   = regexp.MustCompile(`(?i)\blevel\s*=\s*"?(?:error|fatal|critical)"?\b|"level"\s*:\s*"(?:error|fatal|critical)"`)
	structuredWarnRegex  = regexp.MustCompile(`(?i)\blevel\s*=\s*"?(?:warn|warning)"?\b|"level"\s*:\s*"(?:warn|warning)"`)
	structuredFatalRegex = regexp.MustCompile(`(?i)\blevel\s*=\s*"?(?:fatal|critical)"?\b|"level"\s*:\s*"(?:fatal|critical)"`)
)

// Lines that open a multi-line stack trace.
var traceStartRegexes = []*regexp.Regexp{
	regexp.MustCompile(`^\s*(?:[\w$.]+\.)?\w*(?:Error|Exception)\b\s*:`),
	regexp.MustCompile(`^\s+at\s+\S`),
	regexp.MustCompile(`^Traceback \(most recent call last\):`),
	regexp.MustCompile(`\bpanic:`),
	regexp.MustCompile(`^goroutine \d+`),
	regexp.MustCompile(`thread '[^']*' panicked`),
	regexp.MustCompile(`\bstack backtrace:`),
	regexp.MustCompile(`(?:PHP )?Fatal error:`),
	regexp.MustCompile(`^Unhandled exception`),
	regexp.MustCompile(`\bException in thread\b`),
	regexp.MustCompile(`^Caused by:`),
}

var (
	explicitErrorRegex = regexp.MustCompile(`\[(?:ERROR|ERR|FATAL|CRITICAL)\]|\bERROR:|\bFATAL:|\bCRITICAL:|\bERR!`)
	explicitFatalRegex = regexp.MustCompile(`\[(?:FATAL|CRITICAL)\]|\bFATAL:|\bCRITICAL:|(?:PHP )?Fatal error:`)
	explicitWarnRegex  = regexp.MustCompile(`\[(?:WARN|WARNING)\]|\bWARN:|\bWARNING:`)

	uncaughtRegex = regexp.MustCompile(`\b(?:TypeError|ReferenceError|SyntaxError|RangeError|EvalError|URIError)\b|\bUnhandled(?:PromiseRejection|Rejection)\b|unhandledRejection|\bUncaught\b|^Unhandled exception`)

	http5xxRegex = regexp.MustCompile(`"[^"]*"\s+5\d{2}\b|\bstatus(?:_?code)?\s*[=:]\s*"?5\d{2}\b|HTTP/\d(?:\.\d)?"?\s+5\d{2}\b|\b5\d{2}\s+(?:Internal Server Error|Bad Gateway|Service Unavailable|Gateway Time-?out)`)
	http4xxRegex = regexp.MustCompile(`"[^"]*"\s+4\d{2}\b|\bstatus(?:_?code)?\s*[=:]\s*"?4\d{2}\b|HTTP/\d(?:\.\d)?"?\s+4\d{2}\b|\b4\d{2}\s+(?:Bad Request|Unauthorized|Forbidden|Not Found|Conflict|Too Many Requests)`)

	exitCodeRegex = regexp.MustCompile(`(?i)\bexit(?:ed)?(?:\s+with)?\s+(?:code|status)\s+[1-9]\d*\b|(?i:non-zero exit)`)

	pythonTracebackRegex = regexp.MustCompile(`^Traceback \(most recent call last\):|^\s+File "[^"]+", line \d+`)
	javaExceptionRegex   = regexp.MustCompile(`\bException in thread\b|^Caused by:|\b(?:[a-z][\w$]*\.)+[A-Z][\w$]*(?:Exception|Error)\b`)
	goPanicRegex         = regexp.MustCompile(`\bpanic:|^goroutine \d+|\bruntime error:`)
	rubyErrorRegex       = regexp.MustCompile(`\b(?:[A-Z]\w*::)+[A-Z]\w*(?:Error|Exception)\b|\.rb:\d+:in\b|^\s*from /\S+\.rb`)
	rustPanicRegex       = regexp.MustCompile(`thread '[^']*' panicked|\bstack backtrace:`)
	phpFatalRegex        = regexp.MustCompile(`PHP (?:Fatal error|Parse error|Warning|Notice):|(?:^|\s)Fatal error:`)
	dotnetRegex          = regexp.MustCompile(`\bSystem\.[\w.]*Exception\b|^Unhandled exception\.`)

	infraErrorRegexes = []*regexp.Regexp{
		regexp.MustCompile(`\bE(?:CONNREFUSED|CONNRESET|TIMEDOUT|ADDRINUSE|NOTFOUND|PIPE|HOSTUNREACH)\b`),
		regexp.MustCompile(`(?i:connection refused|connection reset by peer|connection timed out|broken pipe)`),
		regexp.MustCompile(`(?i:pool exhausted|too many open files)`),
		regexp.MustCompile(`FATAL:\s+too many connections`),
		regexp.MustCompile(`\bNOAUTH\b|\bWRONGPASS\b`),
	}

	warnHintRegexes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bdeprecat(?:ed|ion|ing)\b`),
		regexp.MustCompile(`(?i)\bslow quer(?:y|ies)\b`),
	}

	fatalSignalRegex = regexp.MustCompile(`\b(?:SIGSEGV|SIGABRT|SIGTERM|SIGKILL)\b|(?i:\boom\b|out of memory|\bkilled\b)`)
)

// Endpoint extraction, tried in order; the first hit wins. Each pattern
// captures (method, path).
var endpointRegexes = []*regexp.Regexp{
	regexp.MustCompile(`"(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s+(/[^\s"]*)[^"]*"\s+5\d{2}\b`),
	regexp.MustCompile(`"(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s+(/[^\s"]*)[^"]*"\s+4\d{2}\b`),
	regexp.MustCompile(`method=(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s+path=(/\S*)\s+status=[45]\d{2}\b`),
	regexp.MustCompile(`\b(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s+(/\S*)\s+failed\b`),
	regexp.MustCompile(`"(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s+(/[^\s"]*)`),
}

// Classify inspects one log line. When the line is not an error, only
// Message and Language are populated.
func Classify(line string) Result {
	res := Result{
		Message:  strings.TrimSpace(line),
		Language: DetectLanguage(line),
	}

	if structuredInfoRegex.MatchString(line) {
		return res
	}
	if !isErrorLine(line) {
		return res
	}

	res.IsError = true
	res.Severity = severityFor(line)
	res.Endpoint = ExtractEndpoint(line)
	return res
}

// isErrorLine tests the full detection union: trace starts, explicit
// markers, structured levels, runtime exception names, HTTP failures, exit
// codes, language-specific patterns, infrastructure errors, warning hints,
// and fatal signals.
func isErrorLine(line string) bool {
	if IsTraceStart(line) {
		return true
	}
	if explicitErrorRegex.MatchString(line) || structuredErrRegex.MatchString(line) {
		return true
	}
	if uncaughtRegex.MatchString(line) {
		return true
	}
	if http5xxRegex.MatchString(line) {
		return true
	}
	if exitCodeRegex.MatchString(line) {
		return true
	}
	if pythonTracebackRegex.MatchString(line) ||
		javaExceptionRegex.MatchString(line) ||
		goPanicRegex.MatchString(line) ||
		rubyErrorRegex.MatchString(line) ||
		rustPanicRegex.MatchString(line) ||
		phpFatalRegex.MatchString(line) ||
		dotnetRegex.MatchString(line) {
		return true
	}
	for _, re := range infraErrorRegexes {
		if re.MatchString(line) {
			return true
		}
	}
	if http4xxRegex.MatchString(line) {
		return true
	}
	for _, re := range warnHintRegexes {
		if re.MatchString(line) {
			return true
		}
	}
	if explicitWarnRegex.MatchString(line) || structuredWarnRegex.MatchString(line) {
		return true
	}
	return fatalSignalRegex.MatchString(line)
}

// severityFor picks the severity for a line already known to be an error.
// Fatal indicators win, then anything error-shaped, then warning hints.
func severityFor(line string) models.Severity {
	if fatalSignalRegex.MatchString(line) ||
		explicitFatalRegex.MatchString(line) ||
		structuredFatalRegex.MatchString(line) {
		return models.SeverityFatal
	}

	if IsTraceStart(line) ||
		explicitErrorRegex.MatchString(line) ||
		structuredErrRegex.MatchString(line) ||
		uncaughtRegex.MatchString(line) ||
		http5xxRegex.MatchString(line) ||
		exitCodeRegex.MatchString(line) ||
		pythonTracebackRegex.MatchString(line) ||
		javaExceptionRegex.MatchString(line) ||
		goPanicRegex.MatchString(line) ||
		rubyErrorRegex.MatchString(line) ||
		rustPanicRegex.MatchString(line) ||
		phpFatalRegex.MatchString(line) ||
		dotnetRegex.MatchString(line) {
		return models.SeverityError
	}
	for _, re := range infraErrorRegexes {
		if re.MatchString(line) {
			return models.SeverityError
		}
	}

	if http4xxRegex.MatchString(line) ||
		explicitWarnRegex.MatchString(line) ||
		structuredWarnRegex.MatchString(line) {
		return models.SeverityWarn
	}
	for _, re := range warnHintRegexes {
		if re.MatchString(line) {
			return models.SeverityWarn
		}
	}

	return models.SeverityError
}

// IsTraceStart reports whether a line opens a multi-line stack trace.
func IsTraceStart(line string) bool {
	for _, re := range traceStartRegexes {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// HasInfoLevel reports whether the line carries a structured info, debug,
// or trace level marker. Used by the watcher before trusting the
// platform's line-level severity metadata.
func HasInfoLevel(line string) bool {
	return structuredInfoRegex.MatchString(line)
}

// ExtractEndpoint pulls "METHOD /path" out of request log lines; returns ""
// when no pattern matches.
func ExtractEndpoint(line string) string {
	for _, re := range endpointRegexes {
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1] + " " + m[2]
		}
	}
	return ""
}

// frameDetectRegexes pick a language from a single frame or marker line.
var (
	atFrameRegex      = regexp.MustCompile(`^\s+at\s+`)
	javaFrameRegex    = regexp.MustCompile(`\.(?:java|kt):\d+`)
	nodeMarkerRegex   = regexp.MustCompile(`\b(?:TypeError|ReferenceError|SyntaxError|RangeError)\b|node:internal|unhandledRejection`)
	pythonMarkerRegex = regexp.MustCompile(`^Traceback \(|^\s+File "`)
	goMarkerRegex     = regexp.MustCompile(`\bpanic:|^goroutine \d+|\.go:\d+`)
	javaMarkerRegex   = regexp.MustCompile(`^Caused by:|\bException in thread\b`)
)

// DetectLanguage infers the source language of an error or frame line.
func DetectLanguage(line string) Language {
	if atFrameRegex.MatchString(line) {
		switch {
		case javaFrameRegex.MatchString(line):
			return LangJava
		case strings.Contains(line, "System."):
			return LangDotNet
		default:
			return LangNode
		}
	}
	if pythonMarkerRegex.MatchString(line) {
		return LangPython
	}
	if goMarkerRegex.MatchString(line) {
		return LangGo
	}
	if javaMarkerRegex.MatchString(line) {
		return LangJava
	}
	if rustPanicRegex.MatchString(line) {
		return LangRust
	}
	if phpFatalRegex.MatchString(line) {
		return LangPHP
	}
	if dotnetRegex.MatchString(line) {
		return LangDotNet
	}
	if rubyErrorRegex.MatchString(line) {
		return LangRuby
	}
	if javaExceptionRegex.MatchString(line) {
		return LangJava
	}
	if nodeMarkerRegex.MatchString(line) {
		return LangNode
	}
	return LangUnknown
}
