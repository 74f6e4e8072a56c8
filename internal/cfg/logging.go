package cfg

// LogLevel represents the pipeline logging level.
type LogLevel int

// The values are chosen such that they can be compared with <.
const (
	LogLevelTrace LogLevel = 6
	LogLevelDebug LogLevel = 5
	LogLevelInfo  LogLevel = 4
	LogLevelWarn  LogLevel = 3
	LogLevelError LogLevel = 2
	LogLevelNone  LogLevel = 1
)

func (ll LogLevel) String() string {
	switch ll {
	case LogLevelTrace:
		return "trace"
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	case LogLevelNone:
		return "none"
	default:
		return "invalid"
	}
}

// Logger is the interface used to get log output. Any logging library can be
// plugged in through a small adapter; pqpipe/log/zapadapter provides one for
// zap. A nil Logger disables logging.
type Logger interface {
	Log(level LogLevel, msg string, data map[string]interface{})
}

// ShouldLog reports whether a message at the given level would be emitted.
func (c *Config) ShouldLog(lvl LogLevel) bool {
	return c.Logger != nil && c.LogLevel >= lvl
}

// Log emits a log message if a logger is configured at the given level.
func (c *Config) Log(lvl LogLevel, msg string, data map[string]interface{}) {
	if c.ShouldLog(lvl) {
		c.Logger.Log(lvl, msg, data)
	}
}
