// Package sylog is a small leveled logger used throughout rootbox, adapted
// from the teacher's pkg/sylog package: a prefix/writef core with colorized
// levels and a caller-name annotation once verbosity reaches debug.
package sylog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
)

type messageLevel int

const (
	FatalLevel messageLevel = iota - 4
	ErrorLevel
	WarnLevel
	LogLevel
	InfoLevel
	VerboseLevel
	DebugLevel
)

func (l messageLevel) String() string {
	switch l {
	case FatalLevel:
		return "FATAL"
	case ErrorLevel:
		return "ERROR"
	case WarnLevel:
		return "WARNING"
	case LogLevel:
		return "LOG"
	case InfoLevel:
		return "INFO"
	case VerboseLevel:
		return "VERBOSE"
	case DebugLevel:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

var messageColors = map[messageLevel]string{
	FatalLevel: "\x1b[31m",
	ErrorLevel: "\x1b[31m",
	WarnLevel:  "\x1b[33m",
	InfoLevel:  "\x1b[34m",
}

var (
	noColorLevel messageLevel = 90
	loggerLevel               = InfoLevel
	logWriter                 = io.Writer(os.Stderr)
)

func init() {
	if l, err := strconv.Atoi(os.Getenv("ROOTBOX_MESSAGELEVEL")); err == nil {
		loggerLevel = messageLevel(l)
	}
}

func colorAllowed() bool {
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}

func prefix(logLevel, msgLevel messageLevel) string {
	colorReset := "\x1b[0m"
	messageColor, ok := messageColors[msgLevel]
	if !ok || logLevel != loggerLevel || !colorAllowed() {
		colorReset = ""
		messageColor = ""
	}

	if logLevel < DebugLevel {
		return fmt.Sprintf("%s%-8s%s ", messageColor, msgLevel.String()+":", colorReset)
	}

	pc, _, _, ok := runtime.Caller(3)
	details := runtime.FuncForPC(pc)

	funcName := "????()"
	if ok && details != nil {
		split := strings.Split(details.Name(), ".")
		funcName = split[len(split)-1] + "()"
	}

	uidStr := fmt.Sprintf("[U=%d,P=%d]", os.Geteuid(), os.Getpid())
	return fmt.Sprintf("%s%-8s%s%-19s%-30s", messageColor, msgLevel, colorReset, uidStr, funcName)
}

func writef(msgLevel messageLevel, format string, a ...interface{}) {
	logLevel := getLoggerLevel()
	if logLevel < msgLevel {
		return
	}

	message := strings.TrimRight(fmt.Sprintf(format, a...), "\n")
	fmt.Fprintf(logWriter, "%s%s\n", prefix(logLevel, msgLevel), message)
}

func getLoggerLevel() messageLevel {
	if loggerLevel <= -noColorLevel {
		return loggerLevel + noColorLevel
	} else if loggerLevel >= noColorLevel {
		return loggerLevel - noColorLevel
	}
	return loggerLevel
}

// Fatalf logs at FatalLevel and exits 121 (spec §6 "unexpected error").
func Fatalf(format string, a ...interface{}) {
	writef(FatalLevel, format, a...)
	os.Exit(121)
}

// Errorf logs at ErrorLevel without exiting.
func Errorf(format string, a ...interface{}) { writef(ErrorLevel, format, a...) }

// Warningf logs at WarnLevel.
func Warningf(format string, a ...interface{}) { writef(WarnLevel, format, a...) }

// Infof logs at InfoLevel.
func Infof(format string, a ...interface{}) { writef(InfoLevel, format, a...) }

// Verbosef logs at VerboseLevel.
func Verbosef(format string, a ...interface{}) { writef(VerboseLevel, format, a...) }

// Debugf logs at DebugLevel.
func Debugf(format string, a ...interface{}) { writef(DebugLevel, format, a...) }

// SetLevel explicitly sets the logger level, optionally disabling color.
func SetLevel(l int, color bool) {
	loggerLevel = messageLevel(l)
	if !color {
		if loggerLevel >= InfoLevel {
			loggerLevel += noColorLevel
		} else if loggerLevel <= LogLevel {
			loggerLevel -= noColorLevel
		}
	}
}

// GetLevel returns the current level as an integer.
func GetLevel() int { return int(getLoggerLevel()) }

// GetEnvVar returns an env-var assignment a child process can inherit to
// reproduce the current level.
func GetEnvVar() string {
	return fmt.Sprintf("ROOTBOX_MESSAGELEVEL=%d", loggerLevel)
}

// Writer exposes the underlying writer, or io.Discard when quiesced.
func Writer() io.Writer {
	if loggerLevel <= LogLevel {
		return io.Discard
	}
	return logWriter
}

// SetWriter overrides the writer (used by tests to capture output) and
// returns the previous one.
func SetWriter(w io.Writer) io.Writer {
	old := logWriter
	if w != nil {
		logWriter = w
	}
	return old
}
