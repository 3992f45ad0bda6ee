package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/errlyhq/errly/pkg/models"
)

func TestClassify_Detection(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		isError  bool
		severity models.Severity
	}{
		{"structured info wins over err bracket", `[err] level=info msg="listening on :8080"`, false, ""},
		{"json info level", `{"level":"info","msg":"request ok"}`, false, ""},
		{"debug level", "level=debug msg=cache-miss", false, ""},
		{"plain info line", "request completed in 5ms", false, ""},
		{"explicit error marker", "[ERROR] database connection lost", true, models.SeverityError},
		{"error prefix", "ERROR: failed to connect to upstream", true, models.SeverityError},
		{"structured error level", `level=error msg="boom"`, true, models.SeverityError},
		{"json fatal level", `{"level":"fatal","msg":"cannot bind"}`, true, models.SeverityFatal},
		{"typeerror", "TypeError: Cannot read properties of undefined", true, models.SeverityError},
		{"unhandled rejection", "unhandledRejection: Error: boom", true, models.SeverityError},
		{"http 5xx", `"GET /api/users HTTP/1.1" 500 123`, true, models.SeverityError},
		{"http 4xx is warn", `"POST /login HTTP/1.1" 401 0`, true, models.SeverityWarn},
		{"status field 5xx", "request done status=503", true, models.SeverityError},
		{"exit code", "Process exited with code 137", true, models.SeverityError},
		{"python traceback", "Traceback (most recent call last):", true, models.SeverityError},
		{"java exception in thread", `Exception in thread "main" java.lang.RuntimeException`, true, models.SeverityError},
		{"java caused by", "Caused by: java.lang.NullPointerException", true, models.SeverityError},
		{"go panic", "panic: runtime error: invalid memory address", true, models.SeverityError},
		{"goroutine header", "goroutine 17 [running]:", true, models.SeverityError},
		{"ruby frame", "from /app/lib/worker.rb:15:in `perform'", true, models.SeverityError},
		{"rust panic", "thread 'main' panicked at 'index out of bounds'", true, models.SeverityError},
		{"php fatal", "PHP Fatal error: Uncaught Error: Call to undefined function", true, models.SeverityFatal},
		{"dotnet unhandled", "Unhandled exception. System.InvalidOperationException: invalid", true, models.SeverityError},
		{"econnrefused", "connect ECONNREFUSED 127.0.0.1:5432", true, models.SeverityError},
		{"connection refused prose", "dial tcp: connection refused", true, models.SeverityError},
		{"pool exhausted", "pg: connection pool exhausted", true, models.SeverityError},
		{"postgres too many connections", "FATAL:  too many connections", true, models.SeverityFatal},
		{"redis noauth", "NOAUTH Authentication required.", true, models.SeverityError},
		{"deprecation is warn", "DeprecationWarning: Buffer() is deprecated", true, models.SeverityWarn},
		{"slow query is warn", "Slow query detected: SELECT * FROM users (5.2s)", true, models.SeverityWarn},
		{"warn marker", "[WARN] connection pool at 80% capacity", true, models.SeverityWarn},
		{"warning prefix", "WARNING: disk usage above threshold", true, models.SeverityWarn},
		{"sigterm is fatal", "Received SIGTERM, shutting down", true, models.SeverityFatal},
		{"sigsegv is fatal", "signal SIGSEGV: segmentation violation", true, models.SeverityFatal},
		{"oom is fatal", "Out of memory: Killed process 1234 (node)", true, models.SeverityFatal},
		{"fatal marker", "FATAL: could not open relation", true, models.SeverityFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Classify(tt.line)
			assert.Equal(t, tt.isError, res.IsError)
			if tt.isError {
				assert.Equal(t, tt.severity, res.Severity)
			}
		})
	}
}

func TestClassify_MessageIsTrimmed(t *testing.T) {
	res := Classify("    at f (a.ts:10:1)")
	assert.True(t, res.IsError)
	assert.Equal(t, "at f (a.ts:10:1)", res.Message)
}

func TestExtractEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected string
	}{
		{"quoted with 5xx", `"GET /api/users HTTP/1.1" 500 123`, "GET /api/users"},
		{"quoted with 4xx", `"POST /login HTTP/1.1" 401 0`, "POST /login"},
		{"logfmt fields", "method=GET path=/api/users status=500", "GET /api/users"},
		{"method path failed", "POST /api/orders failed with timeout", "POST /api/orders"},
		{"generic quoted", `received "DELETE /api/items/5"`, "DELETE /api/items/5"},
		{"none", "something broke", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractEndpoint(tt.line))
		})
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected Language
	}{
		{"node frame", "    at handler (/app/server.js:10:5)", LangNode},
		{"java frame", "    at com.example.Main.run(Main.java:44)", LangJava},
		{"kotlin frame", "    at com.example.AppKt.main(App.kt:12)", LangJava},
		{"dotnet frame", "   at System.Net.Http.HttpClient.Send(HttpRequestMessage request)", LangDotNet},
		{"python file", `  File "/app/main.py", line 3, in <module>`, LangPython},
		{"python traceback", "Traceback (most recent call last):", LangPython},
		{"goroutine", "goroutine 1 [running]:", LangGo},
		{"go panic", "panic: runtime error: index out of range", LangGo},
		{"java caused by", "Caused by: java.lang.IllegalStateException", LangJava},
		{"rust panic", "thread 'main' panicked at src/main.rs:5:3", LangRust},
		{"php fatal", "PHP Fatal error: Uncaught Error", LangPHP},
		{"dotnet exception", "Unhandled exception. System.NullReferenceException", LangDotNet},
		{"ruby frame", "from /app/lib/worker.rb:15:in `perform'", LangRuby},
		{"typeerror is node", "TypeError: x is not a function", LangNode},
		{"plain text", "request completed", LangUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DetectLanguage(tt.line))
		})
	}
}

func TestIsTraceStart(t *testing.T) {
	starts := []string{
		"TypeError: x",
		"java.lang.NullPointerException: oops",
		"    at f (a.ts:10:1)",
		"Traceback (most recent call last):",
		"panic: runtime error",
		"goroutine 99 [select]:",
		"thread 'main' panicked at 'boom'",
		"stack backtrace:",
		"PHP Fatal error: Uncaught Error",
		"Unhandled exception. System.Exception: x",
		`Exception in thread "worker-1" java.lang.RuntimeException`,
		"Caused by: java.io.IOException",
	}
	for _, line := range starts {
		assert.True(t, IsTraceStart(line), "expected trace start: %q", line)
	}

	notStarts := []string{
		"request completed in 5ms",
		"[ERROR] database connection lost",
		"connect ECONNREFUSED 127.0.0.1:5432",
	}
	for _, line := range notStarts {
		assert.False(t, IsTraceStart(line), "expected not a trace start: %q", line)
	}
}

func TestIsContinuation(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		lang     Language
		expected bool
	}{
		{"node at frame", "    at f (a.ts:1:1)", LangNode, true},
		{"node plain line", "request done", LangNode, false},
		{"node nested cause", "[cause]: TypeError: inner", LangNode, true},
		{"python file", `  File "x.py", line 1, in main`, LangPython, true},
		{"python source line", "    result = fetch(user)", LangPython, true},
		{"python final exception", "KeyError: 'user_id'", LangPython, true},
		{"python fresh log", "INFO request done", LangPython, false},
		{"go tab frame", "\t/app/main.go:32 +0x1d", LangGo, true},
		{"go goroutine header", "goroutine 5 [running]:", LangGo, true},
		{"go file ref", "main.go:12: undefined variable", LangGo, true},
		{"java at frame", "\tat com.example.Foo.bar(Foo.java:10)", LangJava, true},
		{"java elided frames", "\t... 23 more", LangJava, true},
		{"java caused by", "Caused by: java.lang.IllegalStateException", LangJava, true},
		{"ruby from frame", "        from /app/lib/worker.rb:15:in `call'", LangRuby, true},
		{"rust numbered frame", "   1: core::panicking::panic_fmt", LangRust, true},
		{"rust src frame", "    at src/main.rs:5", LangRust, true},
		{"php frame", "#0 /var/www/index.php(5): foo()", LangPHP, true},
		{"dotnet at frame", "   at Program.Main(String[] args)", LangDotNet, true},
		{"dotnet end marker", "   --- End of inner exception stack trace ---", LangDotNet, true},
		{"unknown indented", "    some detail line", LangUnknown, true},
		{"unknown bracketed log", "  [worker] started", LangUnknown, false},
		{"unknown timestamped log", "    2024-01-15T10:00:00Z request done", LangUnknown, false},
		{"unknown unindented", "plain line", LangUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsContinuation(tt.line, tt.lang))
		})
	}
}

func TestHasInfoLevel(t *testing.T) {
	assert.True(t, HasInfoLevel("level=info msg=ok"))
	assert.True(t, HasInfoLevel(`{"level":"debug","msg":"x"}`))
	assert.False(t, HasInfoLevel("level=error msg=bad"))
	assert.False(t, HasInfoLevel("plain text"))
}
