// Package logging builds the process-wide logr.Logger every component
// derives its own named sub-logger from, elevating the teacher's bare
// log.Printf-with-"ERROR - "-prefix idiom onto a structured facade —
// the same logr-over-stdlib pattern the pack's modusGraph client uses
// (a logr.Logger field, logr.Discard() as the no-op default).
package logging

import (
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// Verbosity controls which V(n) calls are emitted; 0 surfaces only
// Info/Error, 1 adds the component's own debug-level detail (e.g. slot
// load/evict, generation start/stop).
type Verbosity int

const (
	VerbosityInfo  Verbosity = 0
	VerbosityDebug Verbosity = 1
)

// New returns a root logr.Logger backed by the standard library's log
// package, writing to stderr with a microsecond timestamp the same way
// the teacher's log.Printf calls implicitly did.
func New(v Verbosity) logr.Logger {
	std := log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	stdr.SetVerbosity(int(v))
	return stdr.New(std)
}
