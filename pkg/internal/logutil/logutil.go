package logutil

import (
    "encoding/json"
    "fmt"
    "io"
    "log"
    "os"
    "strings"
    "sync/atomic"
    "time"

    "github.com/hashicorp/go-hclog"
)

var (
    jsonMode  atomic.Bool
    debugMode atomic.Bool
)

func init() {
    if os.Getenv("RACHIS_LOG_JSON") == "1" || os.Getenv("RACHIS_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
    if strings.EqualFold(os.Getenv("RACHIS_LOG_LEVEL"), "debug") {
        debugMode.Store(true)
    }
}

func prefix(l *log.Logger, p string) *log.Logger {
    if l == nil { l = log.Default() }
    return log.New(l.Writer(), p, l.Flags())
}

func SetJSON(enabled bool)  { jsonMode.Store(enabled) }
func SetDebug(enabled bool) { debugMode.Store(enabled) }

func Debugf(l *log.Logger, f string, args ...any) {
    if !debugMode.Load() { return }
    logf(l, "debug", f, args...)
}
func Infof(l *log.Logger, f string, args ...any)  { logf(l, "info", f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, "warn", f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, "error", f, args...) }

func logf(l *log.Logger, level, f string, args ...any) {
    if jsonMode.Load() {
        msg := fmt.Sprintf(f, args...)
        evt := map[string]any{
            "ts":    time.Now().UTC().Format(time.RFC3339Nano),
            "level": level,
            "msg":   msg,
        }
        b, _ := json.Marshal(evt)
        if l == nil { l = log.Default() }
        l.Println(string(b))
        return
    }
    switch level {
    case "debug":
        prefix(l, "DEBUG ").Printf(f, args...)
    case "info":
        prefix(l, "INFO ").Printf(f, args...)
    case "warn":
        prefix(l, "WARN ").Printf(f, args...)
    default:
        prefix(l, "ERROR ").Printf(f, args...)
    }
}

// HCLog returns an hclog.Logger writing to the same sink as l, for the
// hashicorp/raft stores.
func HCLog(l *log.Logger, name string) hclog.Logger {
    var w io.Writer = os.Stderr
    if l != nil { w = l.Writer() }
    level := hclog.Info
    if debugMode.Load() { level = hclog.Debug }
    return hclog.New(&hclog.LoggerOptions{
        Name:       name,
        Output:     w,
        Level:      level,
        JSONFormat: jsonMode.Load(),
    })
}
