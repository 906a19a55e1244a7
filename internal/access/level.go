package access

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is the gateway capability ladder. Every route declares the minimum
// level it needs; a request's effective level can only be lowered, never
// raised, by the x-torbo-access-level header.
type Level int

const (
	LevelOff Level = iota
	LevelChat
	LevelRead
	LevelWrite
	LevelExecute
	LevelFull
)

var levelNames = [...]string{"OFF", "CHAT", "READ", "WRITE", "EXECUTE", "FULL"}

func (l Level) String() string {
	if l < LevelOff || l > LevelFull {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the six defined levels.
func (l Level) Valid() bool {
	return l >= LevelOff && l <= LevelFull
}

// Allows reports whether a caller at level l may use a route requiring min.
func (l Level) Allows(min Level) bool {
	return l >= min
}

// Parse accepts a numeric level ("0".."5") or a case-insensitive name.
func Parse(s string) (Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return LevelOff, fmt.Errorf("empty access level")
	}
	if n, err := strconv.Atoi(s); err == nil {
		l := Level(n)
		if !l.Valid() {
			return LevelOff, fmt.Errorf("access level out of range: %d", n)
		}
		return l, nil
	}
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelOff, fmt.Errorf("unknown access level: %q", s)
}

// Cap returns the lower of the two levels. Used wherever a client-supplied
// level meets a configured one: the header may only cap down.
func Cap(configured, requested Level) Level {
	if requested < configured {
		return requested
	}
	return configured
}
