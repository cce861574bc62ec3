package commonutils

import (
	"bytes"
	"path/filepath"
	"runtime"
	"strconv"

	"go.uber.org/zap"
)

// GoID returns the id of the calling goroutine, or -1 if it cannot be parsed.
func GoID() int64 {
	// A small buffer is enough for the first line of runtime.Stack
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	// The first line looks like: "goroutine 123 [running]:\n"
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// CallerFields describes the call site skip frames above the caller.
func CallerFields(skip int) []zap.Field {
	// skip=0 -> caller of CallerFields
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return []zap.Field{zap.String("caller", "unknown"), zap.Int64("goid", GoID())}
	}
	name := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
	}
	return []zap.Field{
		zap.String("caller", filepath.Base(file)+":"+strconv.Itoa(line)),
		zap.String("func", name),
		zap.Int64("goid", GoID()),
	}
}

// CallerProbe returns a lookup probe that logs every lookup outcome with the
// call site at debug level. It carries no correctness role; it exists to
// trace who is asking for which offset.
func CallerProbe(logger *zap.Logger, skip int) func(mapping, offset uint64, outcome string) {
	return func(mapping, offset uint64, outcome string) {
		if ce := logger.Check(zap.DebugLevel, "folio lookup"); ce != nil {
			fields := append([]zap.Field{
				zap.Uint64("mapping", mapping),
				zap.Uint64("offset", offset),
				zap.String("outcome", outcome),
			}, CallerFields(skip+1)...)
			ce.Write(fields...)
		}
	}
}
