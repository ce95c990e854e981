package log

import (
	"fmt"
	"strings"
)

// Format is a logging format. It implements the pflag.Value interface.
type Format uint

const (
	// FmtLogfmt is the "logfmt" logging format.
	FmtLogfmt Format = iota
	// FmtJSON is the JSON logging format.
	FmtJSON
)

var formatNames = []string{
	FmtLogfmt: "logfmt",
	FmtJSON:   "json",
}

// Level is a log level. It implements the pflag.Value interface.
type Level uint

const (
	// LevelDebug is the log level for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the log level for informative messages.
	LevelInfo
	// LevelWarn is the log level for warning messages.
	LevelWarn
	// LevelError is the log level for error messages.
	LevelError
)

var levelNames = []string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

var levelAliases = map[string]Level{
	"warning": LevelWarn,
}

func (f *Format) String() string {
	return name(formatNames, uint(*f), "format")
}

// Set parses s case-insensitively. An empty s keeps the current format.
func (f *Format) Set(s string) error {
	v, err := parse(formatNames, nil, s, uint(*f), "format")
	*f = Format(v)
	return err
}

func (f *Format) Type() string {
	return "[" + strings.Join(formatNames, ",") + "]"
}

func (l *Level) String() string {
	return name(levelNames, uint(*l), "level")
}

// Set parses s case-insensitively. An empty s keeps the current level.
func (l *Level) Set(s string) error {
	aliases := make(map[string]uint, len(levelAliases))
	for k, v := range levelAliases {
		aliases[k] = uint(v)
	}
	v, err := parse(levelNames, aliases, s, uint(*l), "level")
	*l = Level(v)
	return err
}

func (l *Level) Type() string {
	return "[" + strings.Join(levelNames, ",") + "]"
}

func name(names []string, v uint, what string) string {
	if v >= uint(len(names)) {
		panic(fmt.Sprintf("logging: unsupported log %s %d", what, v))
	}
	return names[v]
}

func parse(names []string, aliases map[string]uint, s string, current uint, what string) (uint, error) {
	if s == "" {
		return current, nil
	}
	s = strings.ToLower(s)
	for i, n := range names {
		if n == s {
			return uint(i), nil
		}
	}
	if v, ok := aliases[s]; ok {
		return v, nil
	}
	return current, fmt.Errorf("logging: invalid log %s: '%s'", what, s)
}
