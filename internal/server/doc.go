// Package server hosts the CampusCast broadcast API behind a single HTTP
// server.
//
// The server builds a consistent middleware chain of security headers,
// request identification, logging, and metrics so handlers all share common
// protections and instrumentation.
package server
