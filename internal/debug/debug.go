// Package debug writes a developer log. It stays silent unless DEBUG_LOG
// names a log file, or DEBUG_FILES and DEBUG_FUNCS select call sites whose
// messages are echoed to stderr.
//
// DEBUG_FILES and DEBUG_FUNCS are comma separated glob patterns, matched
// against "dir/file.go:line" and "package.Function". A leading '-' disables
// matching sites, the first matching pattern wins and "all" matches
// everything.
package debug

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var state struct {
	enabled bool
	file    *zap.Logger
	stderr  *zap.Logger
	files   rules
	funcs   rules
}

// runs before any init() of importing packages
var _ = setup()

func setup() bool {
	var err error
	state.files, err = parseRules(os.Getenv("DEBUG_FILES"), expandFileRule)
	if err == nil {
		state.funcs, err = parseRules(os.Getenv("DEBUG_FUNCS"), nil)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(5)
	}

	if fn := os.Getenv("DEBUG_LOG"); fn != "" {
		f, err := os.OpenFile(fn, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to open debug log file: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "debug log file %v\n", fn)
		state.file = newLogger(zapcore.AddSync(f))
	}
	if len(state.files) > 0 || len(state.funcs) > 0 {
		state.stderr = newLogger(zapcore.Lock(os.Stderr))
	}

	state.enabled = state.file != nil || state.stderr != nil
	if state.enabled {
		fmt.Fprintln(os.Stderr, "debug enabled")
	}
	return state.enabled
}

func newLogger(w zapcore.WriteSyncer) *zap.Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.LevelKey = ""
	cfg.CallerKey = ""
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000")
	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), w, zapcore.DebugLevel))
}

type rule struct {
	pattern string
	enable  bool
}

type rules []rule

func parseRules(env string, expand func(string) string) (rules, error) {
	var rs rules
	for _, item := range strings.Split(env, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		r := rule{enable: true}
		switch item[0] {
		case '-':
			r.enable = false
			item = item[1:]
		case '+':
			item = item[1:]
		}
		if expand != nil {
			item = expand(item)
		}
		if _, err := path.Match(item, ""); err != nil {
			return nil, fmt.Errorf("invalid debug pattern %q: %w", item, err)
		}
		r.pattern = item
		rs = append(rs, r)
	}
	return rs, nil
}

// expandFileRule turns "prune.go" into "*/prune.go:*".
func expandFileRule(s string) string {
	if s == "all" {
		return s
	}
	if !strings.Contains(s, "/") {
		s = "*/" + s
	}
	if !strings.Contains(s, ":") {
		s += ":*"
	}
	return s
}

func (rs rules) match(key string) bool {
	for _, r := range rs {
		if r.pattern == "all" {
			return r.enable
		}
		if ok, _ := path.Match(r.pattern, key); ok {
			return r.enable
		}
	}
	return false
}

func goroutineID() int {
	var buf [64]byte
	fields := strings.Fields(string(buf[:runtime.Stack(buf[:], false)]))
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.Atoi(fields[1])
	return id
}

// Enabled reports whether debug logging is active.
func Enabled() bool {
	return state.enabled
}

// Log formats a message like fmt.Printf and writes it to the debug log.
// Arguments with a Str method, such as IDs, are logged in their short form.
func Log(format string, args ...interface{}) {
	if !state.enabled {
		return
	}

	pc, file, line, _ := runtime.Caller(1)
	fn := ""
	if f := runtime.FuncForPC(pc); f != nil {
		fn = path.Base(f.Name())
	}
	pos := filepath.Base(filepath.Dir(file)) + "/" + filepath.Base(file) + ":" + strconv.Itoa(line)

	for i, arg := range args {
		if s, ok := arg.(interface{ Str() string }); ok {
			args[i] = s.Str()
		}
	}
	msg := strings.TrimSuffix(fmt.Sprintf(format, args...), "\n")
	fields := []zap.Field{zap.String("pos", pos), zap.String("func", fn), zap.Int("goroutine", goroutineID())}

	if state.file != nil {
		state.file.Debug(msg, fields...)
	}
	if state.stderr != nil && (state.files.match(pos) || state.funcs.match(fn)) {
		state.stderr.Debug(msg, fields...)
	}
}
