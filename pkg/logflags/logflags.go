package logflags

import (
	"errors"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var host = false
var injector = false
var trampoline = false
var flush = false

func makeLogger(flag bool, fields logrus.Fields) Logger {
	lr := logrus.New()
	lr.Formatter = textFormatter()
	lr.Out = os.Stderr
	lr.Level = logrus.DebugLevel
	if !flag {
		lr.Level = logrus.PanicLevel
	}
	return &logrusLogger{lr.WithFields(fields)}
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		ForceColors:   isatty.IsTerminal(os.Stderr.Fd()),
		FullTimestamp: true,
	}
}

// Host returns true if the host package should log unit capture and
// dispatch events.
func Host() bool {
	return host
}

// HostLogger returns a logger for the reference host.
func HostLogger() Logger {
	return makeLogger(host, logrus.Fields{"layer": "host"})
}

// Injector returns true if instrumentation insertion should be logged.
func Injector() bool {
	return injector
}

// InjectorLogger returns a logger for the instrumentation injector.
func InjectorLogger() Logger {
	return makeLogger(injector, logrus.Fields{"layer": "engine", "kind": "inject"})
}

// Trampoline returns true if trampoline construction should be logged.
func Trampoline() bool {
	return trampoline
}

// TrampolineLogger returns a logger for the overflow trampoline.
func TrampolineLogger() Logger {
	return makeLogger(trampoline, logrus.Fields{"layer": "engine", "kind": "trampoline"})
}

// Flush returns true if buffer flushes should be logged.
func Flush() bool {
	return flush
}

// FlushLogger returns a logger for the flush/dump engine.
func FlushLogger() Logger {
	return makeLogger(flush, logrus.Fields{"layer": "engine", "kind": "flush"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component log flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "host"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "host":
			host = true
		case "injector":
			injector = true
		case "trampoline":
			trampoline = true
		case "flush":
			flush = true
		}
	}
	return nil
}
