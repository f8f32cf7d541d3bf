// Package thingserver provides the public API for embedding a Thing server.
// This is the stable API for external consumers.
package thingserver

import (
	"github.com/tjfontaine/thingserver/internal/action"
	"github.com/tjfontaine/thingserver/internal/invocation"
	"github.com/tjfontaine/thingserver/internal/runtime"
	"github.com/tjfontaine/thingserver/internal/thing"
)

// Server is the main entry point for serving Things.
// See internal/runtime.Server for full documentation.
type Server = runtime.Server

// Option is a functional option for configuring a Server.
type Option = runtime.Option

// New creates a new Server with the given options.
// Example:
//
//	lamp := thingserver.NewThing("Lamp")
//	lamp.MustAddAction(thingserver.Action{Name: "toggle", Func: toggle})
//	srv, err := thingserver.New(
//	    thingserver.WithFileConfig("config.yaml"),
//	    thingserver.WithThing("lamp", lamp),
//	)
var New = runtime.New

// Configuration options
var (
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig
	WithWatch      = runtime.WithWatch
	WithLogger     = runtime.WithLogger
	WithLevelVar   = runtime.WithLevelVar
	WithThing      = runtime.WithThing
	WithCollectors = runtime.WithCollectors
)

// Things and actions
type (
	Thing           = thing.Thing
	Action          = action.Definition
	ActionFunc      = action.Func
	Invocation      = action.Invocation
	InvocationError = action.InvocationError
	Snapshot        = invocation.Snapshot
	Status          = invocation.Status
)

// NewThing creates an unmounted Thing.
var NewThing = thing.New

var (
	// ErrCancelled ends an invocation as cancelled when returned by an action.
	ErrCancelled = action.ErrCancelled
)
