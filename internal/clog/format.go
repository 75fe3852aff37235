package clog

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Format renders a Record to bytes.
type Format interface {
	Format(r *Record) []byte
}

type formatFunc func(*Record) []byte

func (f formatFunc) Format(r *Record) []byte { return f(r) }

var lvlColor = map[Lvl]int{
	LvlCrit:  35, // magenta
	LvlError: 31, // red
	LvlWarn:  33, // yellow
	LvlInfo:  32, // green
	LvlDebug: 36, // cyan
	LvlTrace: 90, // bright black
}

// TerminalFormat renders records as a single line, colorized when
// color is true (callers pass the result of isatty.IsTerminal).
func TerminalFormat(color bool) Format {
	return formatFunc(func(r *Record) []byte {
		var b strings.Builder
		ts := r.Time.Format("2006-01-02T15:04:05.000")
		lvl := r.Lvl.String()
		if color {
			fmt.Fprintf(&b, "\x1b[%dm%-5s\x1b[0m[%s] %s", lvlColor[r.Lvl], lvl, ts, r.Msg)
		} else {
			fmt.Fprintf(&b, "%-5s[%s] %s", lvl, ts, r.Msg)
		}
		for i := 0; i+1 < len(r.Ctx); i += 2 {
			fmt.Fprintf(&b, " %v=%v", r.Ctx[i], r.Ctx[i+1])
		}
		if len(r.Ctx)%2 == 1 {
			fmt.Fprintf(&b, " %v=MISSING", r.Ctx[len(r.Ctx)-1])
		}
		fmt.Fprintf(&b, " (%v)", r.Call)
		b.WriteByte('\n')
		return []byte(b.String())
	})
}

type handlerFunc func(*Record) error

func (f handlerFunc) Log(r *Record) error { return f(r) }

// StreamHandler writes formatted records to w, one at a time.
func StreamHandler(w io.Writer, fmtr Format) Handler {
	var mu sync.Mutex
	return handlerFunc(func(r *Record) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := w.Write(fmtr.Format(r))
		return err
	})
}

// LvlFilterHandler drops records more verbose than maxLvl.
func LvlFilterHandler(maxLvl Lvl, next Handler) Handler {
	return handlerFunc(func(r *Record) error {
		if r.Lvl > maxLvl {
			return nil
		}
		return next.Log(r)
	})
}

// MultiHandler fans a record out to every handler in hs.
func MultiHandler(hs ...Handler) Handler {
	return handlerFunc(func(r *Record) error {
		var firstErr error
		for _, h := range hs {
			if err := h.Log(r); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}
