// Package logutil provides the facility-scoped logger used across the
// engine. Every package holds its own package-level logger obtained from
// the shared default, so verbosity can be toggled per subsystem without
// touching the ones that are quiet.
package logutil

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// Level controls which calls actually reach the underlying writer.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
)

// Facility is a named logger, e.g. "discover" or "store".
type Facility struct {
	name  string
	level Level
	std   *log.Logger
}

var (
	mut     sync.Mutex
	level   = LevelInfo
	writer  = os.Stderr
	verbose = map[string]bool{}
)

func init() {
	if v := os.Getenv("FAMILYVAULT_VERBOSE"); v != "" {
		for _, f := range strings.Split(v, ",") {
			verbose[strings.TrimSpace(f)] = true
		}
	}
}

// NewFacility returns a logger scoped to name. descr is informational only.
func NewFacility(name, descr string) *Facility {
	return &Facility{
		name: name,
		std:  log.New(writer, "", log.Ltime),
	}
}

func (f *Facility) enabledDebug() bool {
	mut.Lock()
	defer mut.Unlock()
	return verbose[f.name] || level == LevelDebug
}

func (f *Facility) prefixed(format string) string {
	return fmt.Sprintf("%s: %s", f.name, format)
}

func (f *Facility) Debugln(vals ...interface{}) {
	if !f.enabledDebug() {
		return
	}
	f.std.Println(append([]interface{}{f.name + ":"}, vals...)...)
}

func (f *Facility) Debugf(format string, vals ...interface{}) {
	if !f.enabledDebug() {
		return
	}
	f.std.Printf(f.prefixed(format), vals...)
}

func (f *Facility) Infoln(vals ...interface{}) {
	f.std.Println(append([]interface{}{f.name + ":"}, vals...)...)
}

func (f *Facility) Infof(format string, vals ...interface{}) {
	f.std.Printf(f.prefixed(format), vals...)
}

func (f *Facility) Warnln(vals ...interface{}) {
	f.std.Println(append([]interface{}{f.name + ": WARNING:"}, vals...)...)
}

func (f *Facility) Warnf(format string, vals ...interface{}) {
	f.std.Printf(f.prefixed("WARNING: "+format), vals...)
}
