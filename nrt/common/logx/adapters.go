package logx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	glogger "gorm.io/gorm/logger"
)

/******** GORM logger ********/
type gormSplitLogger struct {
	level glogger.LogLevel
	slow  time.Duration
}

func NewGormLogger(level string, slowThreshold time.Duration) glogger.Interface {
	return &gormSplitLogger{level: toGormLevel(level), slow: slowThreshold}
}

func GormLoggerDefault(level string) glogger.Interface {
	return NewGormLogger(level, 500*time.Millisecond)
}

func (l *gormSplitLogger) LogMode(level glogger.LogLevel) glogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *gormSplitLogger) Info(_ context.Context, s string, args ...any) {
	if l.level >= glogger.Info {
		writeLine(gormInfoW, Info, findCaller(gormExclude, 1), "gorm", fmt.Sprintf(s, args...))
	}
}

func (l *gormSplitLogger) Warn(_ context.Context, s string, args ...any) {
	if l.level >= glogger.Warn {
		writeLine(gormInfoW, Warn, findCaller(gormExclude, 1), "gorm", fmt.Sprintf(s, args...))
	}
}

func (l *gormSplitLogger) Error(_ context.Context, s string, args ...any) {
	if l.level >= glogger.Error {
		writeLine(gormErrW, Error, findCaller(gormExclude, 1), "gorm", fmt.Sprintf(s, args...))
	}
}

func (l *gormSplitLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level == glogger.Silent {
		return
	}
	site := findCaller(gormExclude, 1)
	elapsed := time.Since(begin)
	sql, rows := fc()
	rowStr := "-"
	if rows >= 0 {
		rowStr = fmt.Sprintf("%d", rows)
	}
	ms := float64(elapsed.Microseconds()) / 1000.0
	switch {
	case err != nil && err != glogger.ErrRecordNotFound && l.level >= glogger.Error:
		writeLine(gormErrW, Error, site, "gorm", fmt.Sprintf("[%.3fms] rows=%s %s | err=%v", ms, rowStr, sql, err))
	case l.slow > 0 && elapsed > l.slow && l.level >= glogger.Warn:
		writeLine(gormInfoW, Warn, site, "gorm", fmt.Sprintf("[SLOW >= %s] [%.3fms] rows=%s %s", l.slow, ms, rowStr, sql))
	case l.level >= glogger.Info:
		writeLine(gormInfoW, Debug, site, "gorm", fmt.Sprintf("[%.3fms] rows=%s %s", ms, rowStr, sql))
	}
}

// debug prints SQL, info keeps only warnings and slow queries
func toGormLevel(s string) glogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent", "off":
		return glogger.Silent
	case "error":
		return glogger.Error
	case "debug", "trace":
		return glogger.Info
	default:
		return glogger.Warn
	}
}

/******** Gin rewriter ********/
type ginRewriter struct {
	infoW io.Writer
	errW  io.Writer
}

func (w *ginRewriter) Write(p []byte) (int, error) {
	for _, ln := range bytes.Split(p, []byte{'\n'}) {
		ln = bytes.TrimSpace(ln)
		if len(ln) == 0 {
			continue
		}
		lvl, msg := ginDetect(string(ln))
		dst := w.infoW
		if lvl >= Error {
			dst = w.errW
		}
		writeLine(dst, lvl, findCaller(ginExclude, 1), "gin", msg)
	}
	return len(p), nil
}

func ginDetect(s string) (Level, string) {
	switch {
	case strings.Contains(s, "[WARNING]") || strings.Contains(s, "[WARN]"):
		return Warn, stripGinPrefix(s)
	case strings.Contains(s, "[ERROR]"):
		return Error, stripGinPrefix(s)
	case strings.HasPrefix(s, "[GIN-debug]"):
		return Debug, stripGinPrefix(s)
	default:
		return Info, stripGinPrefix(s)
	}
}

func stripGinPrefix(s string) string {
	for i := 0; i < 2 && strings.HasPrefix(s, "["); i++ {
		j := strings.Index(s, "]")
		if j < 0 || j+1 >= len(s) {
			break
		}
		s = strings.TrimSpace(s[j+1:])
	}
	return s
}
