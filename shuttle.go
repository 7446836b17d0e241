// Package shuttle provides a minimal public API for running migrations
// programmatically.
//
// Most automation should drive the shuttle binary; this package exports
// just enough to embed an export or import in a Go program: load a
// configuration, build connection sources, construct an engine, run.
package shuttle

import (
	"github.com/arkfield/shuttle/internal/config"
	"github.com/arkfield/shuttle/internal/dataverse"
	"github.com/arkfield/shuttle/internal/engine"
	"github.com/arkfield/shuttle/internal/pool"
	"github.com/arkfield/shuttle/internal/progress"
)

// Core types for driving a migration.
type (
	Config   = config.Run
	Engine   = engine.Engine
	PlanInfo = engine.PlanInfo
)

// Connection building blocks. A ConnectionSource owns one organization's
// authenticated clients; TokenProvider is how callers supply auth.
type (
	ConnectionSource = pool.Source
	ClientConfig     = dataverse.Config
	TokenProvider    = dataverse.TokenProvider
	StaticToken      = dataverse.StaticToken
)

// Progress surfaces. Implement Sink to observe a run event by event.
type (
	Reporter = progress.Reporter
	Sink     = progress.Sink
	Event    = progress.Event
)

// LoadConfig reads and validates a shuttle.yaml.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// DefaultConfig returns the record a configuration file is overlaid onto.
func DefaultConfig() Config { return config.Default() }

// NewSource builds a connection source that authenticates on first use.
func NewSource(cc ClientConfig, maxPoolSize int) (ConnectionSource, error) {
	return pool.NewConfigSource(cc, maxPoolSize)
}

// New builds an engine from a configuration and connection sources. A nil
// reporter discards progress; build one with NewReporter and a Sink.
func New(cfg Config, sources []ConnectionSource, reporter *Reporter) (*Engine, error) {
	return engine.New(cfg, sources, reporter)
}

// NewReporter wraps a sink with cadence throttling for use with New.
func NewReporter(sink Sink, cadence int) *Reporter {
	return progress.NewReporter(sink, cadence)
}

// InspectPlan builds the execution plan for a schema file or an archive
// without connecting anywhere.
func InspectPlan(path string) (*PlanInfo, error) { return engine.InspectPlan(path) }
