package internal

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

const redacted = "[REDACTED]"

// Redactor rewrites a log line so that no credential survives in it
type Redactor interface {
	Redact(input string) string
}

// PrefixRedactor replaces whatever follows one of Prefixes, up to the first byte in Stop.
// Prefixes match case-insensitively and every occurrence is replaced.
type PrefixRedactor struct {
	Prefixes []string
	Stop     string
}

// CredentialRedactor scrubs clearance cookies and authorization values
func CredentialRedactor() *PrefixRedactor {
	return &PrefixRedactor{
		Prefixes: []string{"cf_clearance=", "__cf_bm=", "Cookie:", "Set-Cookie:", "Authorization:", "Bearer "},
		Stop:     " ;\r\n",
	}
}

// QueryRedactor scrubs secret looking query parameters
func QueryRedactor() *PrefixRedactor {
	return &PrefixRedactor{
		Prefixes: []string{"access_token=", "token=", "key=", "secret=", "password=", "pwd="},
		Stop:     "& \n",
	}
}

// Redact implements Redactor
func (r *PrefixRedactor) Redact(input string) string {
	result := input
	for _, prefix := range r.Prefixes {
		from := 0
		for {
			i := indexFold(result, prefix, from)
			if i < 0 {
				break
			}
			start := i + len(prefix)
			end := start
			for end < len(result) && strings.IndexByte(r.Stop, result[end]) < 0 {
				end++
			}
			if end > start {
				result = result[:start] + redacted + result[end:]
				end = start + len(redacted)
			}
			from = end
		}
	}
	return result
}

// indexFold is a case-insensitive strings.Index for ASCII needles starting at from
func indexFold(s, needle string, from int) int {
	for i := from; i+len(needle) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}

// SecureLogger writes leveled lines with credentials redacted
type SecureLogger struct {
	logger    *log.Logger
	level     LogLevel
	debug     bool
	quiet     bool
	redactors []Redactor
}

// NewSecureLogger creates a new secure logger
func NewSecureLogger(output io.Writer, level LogLevel, debug, quiet bool) *SecureLogger {
	return &SecureLogger{
		logger:    log.New(output, "", 0),
		level:     level,
		debug:     debug,
		quiet:     quiet,
		redactors: []Redactor{CredentialRedactor(), QueryRedactor()},
	}
}

// NewDefaultLogger creates a stderr logger with default settings
func NewDefaultLogger(debug, quiet bool) *SecureLogger {
	level := LogLevelInfo
	if debug {
		level = LogLevelDebug
	}
	if quiet {
		level = LogLevelError
	}
	return NewSecureLogger(os.Stderr, level, debug, quiet)
}

func (sl *SecureLogger) redact(input string) string {
	for _, r := range sl.redactors {
		input = r.Redact(input)
	}
	return input
}

func (sl *SecureLogger) enabled(level LogLevel) bool {
	if sl.quiet && level > LogLevelError {
		return false
	}
	return level <= sl.level
}

// caller returns file:line of the first frame outside the logging files
func caller() string {
	for depth := 2; depth <= 8; depth++ {
		_, file, line, ok := runtime.Caller(depth)
		if !ok {
			break
		}
		base := filepath.Base(file)
		if base != "logger.go" && base != "log.go" {
			return fmt.Sprintf("%s:%d", base, line)
		}
	}
	return "???"
}

func (sl *SecureLogger) logf(level LogLevel, format string, args ...interface{}) {
	if !sl.enabled(level) {
		return
	}
	message := sl.redact(fmt.Sprintf(format, args...))
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	if sl.debug {
		sl.logger.Printf("[%s] %s %s %s", timestamp, level, caller(), message)
		return
	}
	sl.logger.Printf("[%s] %s %s", timestamp, level, message)
}

// Error logs an error message
func (sl *SecureLogger) Error(format string, args ...interface{}) {
	sl.logf(LogLevelError, format, args...)
}

// Warn logs a warning message
func (sl *SecureLogger) Warn(format string, args ...interface{}) {
	sl.logf(LogLevelWarn, format, args...)
}

// Info logs an info message
func (sl *SecureLogger) Info(format string, args ...interface{}) {
	sl.logf(LogLevelInfo, format, args...)
}

// Debug logs a debug message
func (sl *SecureLogger) Debug(format string, args ...interface{}) {
	sl.logf(LogLevelDebug, format, args...)
}

// LogHTTPExchange logs a request and its response status in one debug line.
// In debug mode the request headers follow, with credential headers masked.
func (sl *SecureLogger) LogHTTPExchange(req *http.Request, resp *http.Response, elapsed time.Duration) {
	if !sl.enabled(LogLevelDebug) {
		return
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if sl.debug {
		sl.Debug("HTTP %s %s -> %d in %v headers=%v", req.Method, req.URL, status, elapsed.Round(time.Millisecond), maskHeaders(req.Header))
		return
	}
	sl.Debug("HTTP %s %s -> %d in %v", req.Method, req.URL, status, elapsed.Round(time.Millisecond))
}

var sensitiveHeaderParts = []string{"authorization", "cookie", "token", "api-key", "bearer"}

func isSensitiveHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, part := range sensitiveHeaderParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

func maskHeaders(h http.Header) map[string]string {
	masked := make(map[string]string, len(h))
	for name, values := range h {
		if isSensitiveHeader(name) {
			masked[name] = redacted
			continue
		}
		masked[name] = strings.Join(values, ", ")
	}
	return masked
}
