// Package log2 is a thin leveled wrapper around stdlib log.
// Main motivation was running parallel tests with logs going to t.Logf,
// level filtering is a bonus.
package log2

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"math"
	"os"
	"sync/atomic"
	"testing"
)

const (
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

type Func func(format string, args ...interface{})

type Log struct {
	l      *log.Logger
	level  Level
	w      io.Writer
	fatalf Func
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }

func NewWriter(w io.Writer, level Level) *Log {
	if w == ioutil.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

type funcWriter struct{ f Func }

func (fw funcWriter) Write(b []byte) (int, error) {
	fw.f(string(b))
	return len(b), nil
}

func NewFunc(f Func, level Level) *Log { return NewWriter(funcWriter{f}, level) }

func NewTest(t testing.TB, level Level) *Log {
	l := NewFunc(t.Logf, level)
	l.fatalf = t.Fatalf
	l.SetFlags(LTestFlags)
	return l
}

// Clone returns a copy with different level sharing the same writer.
// Nil receiver is allowed and returns nil.
func (l *Log) Clone(level Level) *Log {
	if l == nil {
		return nil
	}
	c := NewWriter(l.w, level)
	c.SetFlags(l.l.Flags())
	c.fatalf = l.fatalf
	return c
}

func (l *Log) SetLevel(lvl Level) {
	if l == nil {
		return
	}
	atomic.StoreInt32((*int32)(&l.level), int32(lvl))
}

func (l *Log) SetFlags(f int) {
	if l == nil {
		return
	}
	l.l.SetFlags(f)
}

func (l *Log) SetPrefix(prefix string) {
	if l == nil {
		return
	}
	l.l.SetPrefix(prefix)
}

func (l *Log) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&l.level)) >= int32(level)
}

func (l *Log) Logf(level Level, format string, args ...interface{}) {
	if l.Enabled(level) {
		_ = l.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (l *Log) Error(args ...interface{}) {
	if l.Enabled(LError) {
		_ = l.l.Output(3, "error: "+fmt.Sprint(args...))
	}
}

func (l *Log) Errorf(format string, args ...interface{}) {
	l.Logf(LError, "error: "+format, args...)
}

func (l *Log) Infof(format string, args ...interface{}) {
	l.Logf(LInfo, format, args...)
}

// Printf is Infof; satisfies callers expecting stdlib-ish API.
func (l *Log) Printf(format string, args ...interface{}) {
	l.Logf(LInfo, format, args...)
}

// Println completes the pair for paho mqtt logger hooks.
func (l *Log) Println(args ...interface{}) {
	if l.Enabled(LInfo) {
		_ = l.l.Output(3, fmt.Sprint(args...))
	}
}

func (l *Log) Debugf(format string, args ...interface{}) {
	l.Logf(LDebug, "debug: "+format, args...)
}

func (l *Log) Fatalf(format string, args ...interface{}) {
	if l != nil && l.fatalf != nil {
		l.fatalf(format, args...)
		return
	}
	l.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}

func (l *Log) Fatal(args ...interface{}) {
	l.Fatalf("%s", fmt.Sprint(args...))
}
