package common

import (
	"fmt"
	log "github.com/spirit-labs/proxyrpc/logger"
	"os"
	"runtime"
	"runtime/debug"
)

func PanicHandler() {
	if r := recover(); r != nil {
		fmt.Printf("Panic caught in proxyrpc: %v\n", r)
		debug.PrintStack()
		os.Exit(1)
	}
}

// RecoverAndLog must be deferred directly.
func RecoverAndLog(where string) {
	if r := recover(); r != nil {
		log.Errorf("panic in %s: %v\n%s", where, r, GetCurrentStack())
	}
}

func GetCurrentStack() string {
	buf := make([]byte, 1<<16)
	l := runtime.Stack(buf, false)
	return string(buf[:l])
}
