// Package host implements the instrumentation host the trace engine
// runs inside of: it captures units of amd64 code before they execute,
// hands them to registered instrumentation passes, and then executes
// the instrumented form in a modeled machine.
//
// The capability surface mirrors what a binary instrumentation engine
// offers its clients: unit capture with operation insertion, per-thread
// storage slots addressable from generated code, executable page
// allocation, registration of routines reachable through a full
// context-preserving call, and helpers for effective address and
// reference size computation (including iteration expansion of
// repeated string instructions).
//
// Original program instructions are executed by a small amd64
// emulator; inserted operations are the flag-transparent IR defined in
// pkg/machine. Inserted operations never show up when a unit's
// instructions are enumerated, so downstream introspection only ever
// sees the original program.
package host
