// Package api hosts the HTTP handlers that front the CampusCast REST API.
//
// The handlers assembled by Handler coordinate request validation and
// response shaping while delegating every session state transition to the
// broadcast.Orchestrator injected at construction time. The package does not
// reach for globals or singletons and expects callers to supply fully
// configured dependencies.
//
// Handler implementations assume upstream middleware from internal/server has
// already enforced request identification, metrics, security headers, and
// logging concerns. New routes should preserve that contract by leaning on
// the middleware guarantees established in the server stack.
package api
