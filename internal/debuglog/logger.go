package debuglog

import (
	"fmt"
	"os"
	"sync"
)

const queueSize = 1024

type logger struct {
	once sync.Once
	ch   chan string
}

var global logger

func enabled() bool {
	return os.Getenv("LEDGERMESH_DEBUG") == "1"
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

// Logf always writes to stderr; in debug mode it goes through the async
// queue so receive goroutines never block on a slow terminal.
func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if !enabled() {
		_, _ = os.Stderr.WriteString(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// Drop when saturated.
	}
}

// Debugf writes only when LEDGERMESH_DEBUG=1.
func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	Logf(format, args...)
}
