package logx

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

/******** Levels ********/
type Level int32

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Off
)

var (
	levelNames = [...]string{"trace", "debug", "info", "warn", "error", "off"}
	levelTags  = [...]string{"[TRACE]", "[DEBUG]", "[INFO]", "[WARN]", "[ERROR]", "[ERROR]"}
)

var globalLevel = int32(Info)

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return Trace
	case "debug":
		return Debug
	case "info", "":
		return Info
	case "warn", "warning":
		return Warn
	case "off", "silent":
		return Off
	default:
		return Error
	}
}

func (l Level) String() string {
	if l < Trace || l > Off {
		return "error"
	}
	return levelNames[l]
}

func levelTag(l Level) string {
	if l < Trace || l > Off {
		return "[ERROR]"
	}
	return levelTags[l]
}

func SetLevel(l Level)        { atomic.StoreInt32(&globalLevel, int32(l)) }
func SetLevelString(s string) { SetLevel(ParseLevel(s)) }
func GetLevel() Level         { return Level(atomic.LoadInt32(&globalLevel)) }
func GetLevelString() string  { return GetLevel().String() }

/******** Sinks ********/
var (
	logDir atomic.Value // string

	appInfoW io.Writer = os.Stdout
	appErrW  io.Writer = os.Stderr

	ginInfoW io.Writer = os.Stdout
	ginErrW  io.Writer = os.Stderr

	gormInfoW io.Writer = os.Stdout
	gormErrW  io.Writer = os.Stderr

	onceInit atomic.Bool
)

func init() { logDir.Store("log") }

// SetDir changes where MustInit opens its files. Call before MustInit.
func SetDir(dir string) {
	if strings.TrimSpace(dir) != "" {
		logDir.Store(dir)
	}
}

func mustOpen(path string) *os.File {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		panic(err)
	}
	return f
}

type levelWriter struct {
	min Level
	dst io.Writer
}

func (w levelWriter) Write(p []byte) (int, error) {
	if GetLevel() <= w.min {
		return w.dst.Write(p)
	}
	return len(p), nil
}

// Files returned by MustInit; Close releases all of them.
type Files struct {
	GinInfo, GinErr, GormInfo, GormErr, AppInfo, AppErr *os.File
}

func (f *Files) Close() {
	if f == nil {
		return
	}
	for _, x := range []*os.File{f.GinInfo, f.GinErr, f.GormInfo, f.GormErr, f.AppInfo, f.AppErr} {
		if x != nil {
			_ = x.Close()
		}
	}
}

/******** Init ********/
func MustInit() *Files {
	if onceInit.Load() {
		return &Files{}
	}
	d := logDir.Load().(string)
	f := &Files{
		GinInfo:  mustOpen(filepath.Join(d, "gin_info.log")),
		GinErr:   mustOpen(filepath.Join(d, "gin_error.log")),
		GormInfo: mustOpen(filepath.Join(d, "gorm_info.log")),
		GormErr:  mustOpen(filepath.Join(d, "gorm_error.log")),
		AppInfo:  mustOpen(filepath.Join(d, "info.log")),
		AppErr:   mustOpen(filepath.Join(d, "error.log")),
	}

	appInfoW = io.MultiWriter(os.Stdout, f.AppInfo)
	appErrW = io.MultiWriter(os.Stderr, f.AppErr)

	gormInfoW = io.MultiWriter(levelWriter{min: Info, dst: os.Stdout}, f.GormInfo)
	gormErrW = io.MultiWriter(levelWriter{min: Error, dst: os.Stderr}, f.GormErr)

	ginInfoW = io.MultiWriter(levelWriter{min: Info, dst: os.Stdout}, f.GinInfo)
	ginErrW = io.MultiWriter(levelWriter{min: Error, dst: os.Stderr}, f.GinErr)
	gr := &ginRewriter{infoW: ginInfoW, errW: ginErrW}
	gin.DefaultWriter = gr
	gin.DefaultErrorWriter = gr

	gin.DebugPrintRouteFunc = func(method, path, handler string, nHandlers int) {
		msg := fmt.Sprintf("%-6s %-30s --> %s (%d handlers)", method, path, handler, nHandlers)
		writeLine(ginInfoW, Debug, findCaller(ginExclude, 1), "gin", msg)
	}

	onceInit.Store(true)
	return f
}

/******** Component Logger ********/
type Logger struct {
	level int32
	pfx   atomic.Value
}

type Option func(*Logger)

func WithPrefix(p string) Option { return func(l *Logger) { l.pfx.Store(strings.TrimSpace(p)) } }
func WithLogLevel(lvl Level) Option {
	return func(l *Logger) { atomic.StoreInt32(&l.level, int32(lvl)) }
}

func New(opts ...Option) *Logger {
	l := &Logger{level: -1}
	l.pfx.Store("")
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Logger) effLevel() Level {
	if lv := atomic.LoadInt32(&l.level); lv >= 0 {
		return Level(lv)
	}
	return GetLevel()
}

func (l *Logger) Prefix() string          { return l.pfx.Load().(string) }
func (l *Logger) SetLevel(lv Level)       { atomic.StoreInt32(&l.level, int32(lv)) }
func (l *Logger) shouldLog(at Level) bool { return l.effLevel() <= at && at < Off }

// With returns a child logger whose prefix is "parent.sub".
func (l *Logger) With(sub string) *Logger {
	p := l.Prefix()
	if p != "" {
		sub = p + "." + sub
	}
	c := New(WithPrefix(sub))
	atomic.StoreInt32(&c.level, atomic.LoadInt32(&l.level))
	return c
}

// ts file:line: [LEVEL] prefix - message
func (l *Logger) out(at Level, format string, args ...any) {
	site := "-"
	if _, f, ln, ok := runtime.Caller(2); ok {
		site = fmt.Sprintf("%s:%d", filepath.Base(f), ln)
	}
	dst := appInfoW
	if at >= Error {
		dst = appErrW
	}
	writeLine(dst, at, site, l.Prefix(), fmt.Sprintf(format, args...))
}

func (l *Logger) Tracef(format string, args ...any) {
	if l.shouldLog(Trace) {
		l.out(Trace, format, args...)
	}
}
func (l *Logger) Debugf(format string, args ...any) {
	if l.shouldLog(Debug) {
		l.out(Debug, format, args...)
	}
}
func (l *Logger) Infof(format string, args ...any) {
	if l.shouldLog(Info) {
		l.out(Info, format, args...)
	}
}
func (l *Logger) Warnf(format string, args ...any) {
	if l.shouldLog(Warn) {
		l.out(Warn, format, args...)
	}
}
func (l *Logger) Errorf(format string, args ...any) {
	if l.shouldLog(Error) {
		l.out(Error, format, args...)
	}
}

func writeLine(dst io.Writer, at Level, site, pfx, msg string) {
	ts := time.Now().Format("2006/01/02 15:04:05.000000")
	var b bytes.Buffer
	for _, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		if pfx != "" {
			fmt.Fprintf(&b, "%s %s: %s %s - %s\n", ts, site, levelTag(at), pfx, line)
		} else {
			fmt.Fprintf(&b, "%s %s: %s - %s\n", ts, site, levelTag(at), line)
		}
	}
	_, _ = dst.Write(b.Bytes())
}

/******** boot logs ********/
func NewStdInfo(dst io.Writer) *log.Logger {
	flags := log.LstdFlags | log.Lmicroseconds | log.Lshortfile | log.Lmsgprefix
	if dst == nil {
		dst = io.Discard
	}
	return log.New(io.MultiWriter(os.Stdout, dst), "[INFO] ", flags)
}

func NewStdErr(dst io.Writer) *log.Logger {
	flags := log.LstdFlags | log.Lmicroseconds | log.Lshortfile | log.Lmsgprefix
	if dst == nil {
		dst = io.Discard
	}
	return log.New(io.MultiWriter(os.Stderr, dst), "[ERROR] ", flags)
}

/******** first non-library frame ********/
var ginExclude = []string{
	"/gin-gonic/gin", "github.com/gin-gonic/gin", "/net/http", "runtime/", "/logx/",
}
var gormExclude = []string{
	"gorm.io/gorm", "gorm.io/driver", "/database/sql", "runtime/", "/logx/",
}

func findCaller(excludes []string, additionalSkip int) string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2+additionalSkip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if fr.File != "" && !containsAny(fr.File, excludes) {
			return fmt.Sprintf("%s:%d", filepath.Base(fr.File), fr.Line)
		}
		if !more {
			return "-"
		}
	}
}

func containsAny(s string, subs []string) bool {
	for _, e := range subs {
		if strings.Contains(s, e) {
			return true
		}
	}
	return false
}
