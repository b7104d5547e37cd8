// Package klog is the kernel's console transcript sink.
//
// The teacher (gVisor's systrap subprocess) logs through pkg/log's tiered
// Debugf/Warningf/Infof calls. This package gives the core the same call
// shape, backed by github.com/joeycumines/logiface with the stumpy encoder
// as the default writer, matching the one real logging stack present in
// the retrieval pack.
package klog

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Sink is the kernel-facing logging surface. A *Sink wraps a
// logiface.Logger[*stumpy.Event] so call sites never need to name the
// generic event type.
type Sink struct {
	mu  sync.Mutex
	log *logiface.Logger[*stumpy.Event]
}

// New builds a Sink writing stumpy-encoded records to w at the given
// minimum level.
func New(w *os.File, level logiface.Level) *Sink {
	return &Sink{
		log: stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(w)),
			stumpy.L.WithLevel(level),
		),
	}
}

var (
	defaultOnce sync.Once
	defaultSink *Sink
)

// Default returns the process-wide console sink, writing Debug and above
// to stderr — the kernel has no other console until the real boot glue
// wires one in (see platform.Console).
func Default() *Sink {
	defaultOnce.Do(func() {
		defaultSink = New(os.Stderr, logiface.LevelDebug)
	})
	return defaultSink
}

// SetDefault replaces the process-wide console sink. Tests use this to
// capture kernel transcripts.
func SetDefault(s *Sink) { defaultSink = s }

func (s *Sink) Debugf(format string, args ...any)   { s.log.Debug().Logf(format, args...) }
func (s *Sink) Infof(format string, args ...any)    { s.log.Info().Logf(format, args...) }
func (s *Sink) Warningf(format string, args ...any) { s.log.Warning().Logf(format, args...) }
func (s *Sink) Errorf(format string, args ...any)   { s.log.Err().Logf(format, args...) }

func Debugf(format string, args ...any)   { Default().Debugf(format, args...) }
func Infof(format string, args ...any)    { Default().Infof(format, args...) }
func Warningf(format string, args ...any) { Default().Warningf(format, args...) }
func Errorf(format string, args ...any)   { Default().Errorf(format, args...) }
