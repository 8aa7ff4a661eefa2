package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// zlog is the HTTP layer logger; Nop until SetLogger is called.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l }

// loggingLineWriter logs each complete NDJSON line it sees at debug level.
type loggingLineWriter struct {
	log zerolog.Logger
	buf []byte
}

func (lw *loggingLineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if idx > 0 {
			lw.log.Debug().RawJSON("chunk", lw.buf[:idx]).Msg("stream>")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug", "1":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// EnvLogLevel sets the default per-request log level.
const EnvLogLevel = "BATCHD_LOG_LEVEL"

var defaultLogLevel = parseLevel(os.Getenv(EnvLogLevel))

// requestLogLevel honors ?log= and X-Log-Level before the process default.
func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}
