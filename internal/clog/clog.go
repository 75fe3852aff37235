// Package clog is the structured logging facility every other package
// in this module logs through: leveled records with key/value context,
// call-site capture via go-stack, and terminal-aware colorized output
// via go-colorable/go-isatty.
package clog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-stack/stack"
	colorable "github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is a logging severity level, ordered from most to least severe.
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
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// Record is a single log event: a message, a severity, a timestamp,
// the call site it was emitted from, and free-form key/value context.
type Record struct {
	Time  time.Time
	Lvl   Lvl
	Msg   string
	Ctx   []interface{}
	Call  stack.Call
}

// Handler consumes a Record. Handlers compose: LvlFilterHandler wraps
// another Handler, MultiHandler fans out to several.
type Handler interface {
	Log(r *Record) error
}

// Logger is the interface every IBD package logs through.
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
	h   *swapHandler
}

type swapHandler struct {
	mu sync.RWMutex
	h  Handler
}

func (s *swapHandler) Log(r *Record) error {
	s.mu.RLock()
	h := s.h
	s.mu.RUnlock()
	return h.Log(r)
}

func (s *swapHandler) Swap(h Handler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

var root = &logger{h: new(swapHandler)}

func init() {
	root.h.Swap(StreamHandler(defaultWriter(), TerminalFormat(defaultIsTerminal())))
}

// Root returns the root logger. Packages normally call Root().New(...)
// once at init time to get a named sub-logger rather than logging
// through Root directly.
func Root() Logger { return root }

// New returns a sub-logger that prepends ctx to every record it emits.
func New(ctx ...interface{}) Logger {
	return root.New(ctx...)
}

func (l *logger) New(ctx ...interface{}) Logger {
	child := &logger{h: l.h, ctx: append(append([]interface{}{}, l.ctx...), ctx...)}
	return child
}

func (l *logger) write(lvl Lvl, msg string, ctx []interface{}) {
	r := &Record{
		Time: time.Now(),
		Lvl:  lvl,
		Msg:  msg,
		Ctx:  append(append([]interface{}{}, l.ctx...), ctx...),
		Call: stack.Caller(2),
	}
	_ = l.h.Log(r)
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{})  { l.write(LvlCrit, msg, ctx) }

// SetHandler replaces the root logger's handler chain, e.g. to lower
// verbosity or redirect output in tests.
func SetHandler(h Handler) { root.h.Swap(h) }

func defaultWriter() io.Writer {
	if defaultIsTerminal() {
		return colorable.NewColorable(os.Stderr)
	}
	return colorable.NewNonColorable(os.Stderr)
}

func defaultIsTerminal() bool {
	return isatty.IsTerminal(os.Stderr.Fd())
}
