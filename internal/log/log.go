// Package log provides the leveled, structured logger used throughout
// intrascale. It mirrors go-ethereum's log package (key/value pairs after a
// message, colorized terminal output, call-site capture on Crit) rather than
// wrapping the standard library's slog directly, since that is the idiom
// every component in this codebase is written against.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is a logging level.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERRO"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DBUG"
	case LvlTrace:
		return "TRCE"
	default:
		return "????"
	}
}

var levelColor = map[Lvl]*color.Color{
	LvlCrit:  color.New(color.FgMagenta, color.Bold),
	LvlError: color.New(color.FgRed, color.Bold),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.FgWhite),
}

// Logger emits leveled, structured log lines, optionally tagged with a fixed
// set of context key/value pairs (see New).
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	New(ctx ...interface{}) Logger
}

type logger struct {
	ctx []interface{}
}

var (
	mu         sync.Mutex
	out        io.Writer
	level      = LvlInfo
	colorTerm  bool
	rootLogger = &logger{}
)

func init() {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = colorable.NewColorableStderr()
		colorTerm = true
	} else {
		out = os.Stderr
		colorTerm = false
	}
}

// SetOutput redirects all log output; primarily for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	colorTerm = false
}

// SetLevel sets the minimum level that will be emitted.
func SetLevel(l Lvl) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// Root returns the root logger.
func Root() Logger { return rootLogger }

// New returns a Logger that prefixes every line with the given key/value
// context in addition to whatever is passed at the call site.
func New(ctx ...interface{}) Logger {
	return rootLogger.New(ctx...)
}

func (l *logger) New(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{ctx: merged}
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }

func (l *logger) Crit(msg string, ctx ...interface{}) {
	ctx = append(ctx, "stack", stack.Trace().TrimRuntime())
	l.write(LvlCrit, msg, ctx)
}

func (l *logger) write(lvl Lvl, msg string, extra []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if lvl > level {
		return
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000-0700")
	tag := lvl.String()
	if colorTerm {
		tag = levelColor[lvl].Sprint(tag)
	}
	fmt.Fprintf(out, "%s [%s] %s", ts, tag, msg)
	all := make([]interface{}, 0, len(l.ctx)+len(extra))
	all = append(all, l.ctx...)
	all = append(all, extra...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(out, " %v=%v", all[i], all[i+1])
	}
	if len(all)%2 == 1 {
		fmt.Fprintf(out, " %v=MISSING", all[len(all)-1])
	}
	fmt.Fprintln(out)
}

// Package-level convenience funcs forwarding to the root logger.
func Trace(msg string, ctx ...interface{}) { rootLogger.Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { rootLogger.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { rootLogger.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { rootLogger.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { rootLogger.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { rootLogger.Crit(msg, ctx...) }
