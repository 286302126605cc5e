// Package app provides the public API for the wewb SDK.
// This package exports the engine types and constructors embedders use;
// the implementation lives under internal.
package app

import (
	"wewb/internal/config"
	"wewb/internal/delivery"
	"wewb/internal/engine"
	"wewb/internal/environment"
	"wewb/internal/session"
)

// Re-export core types
type (
	Engine      = engine.Engine
	Options     = engine.Options
	Config      = config.Config
	PageContext = environment.PageContext
	Snapshot    = environment.Snapshot
	EventType   = session.EventType
	Event       = session.Event
	Stats       = delivery.Stats
)

// Re-export event type constants
const (
	EventTypeView   = session.EventTypeView
	EventTypeClick  = session.EventTypeClick
	EventTypeLeave  = session.EventTypeLeave
	EventTypeError  = session.EventTypeError
	EventTypeCustom = session.EventTypeCustom
)

// New constructs an inert engine for the given page context; Register
// activates it.
func New(page PageContext, opts Options) *Engine {
	return engine.New(page, opts)
}

// ConfigFromEnv returns a configuration loaded from WEWB_* environment
// variables with defaults applied.
func ConfigFromEnv() *Config {
	return config.FromEnv()
}

// Float returns a pointer to v, for Config.UploadPercent. An explicit
// Float(0) disables uploads entirely; leaving the field nil selects the
// default of full sampling.
func Float(v float64) *float64 {
	return config.Float(v)
}
