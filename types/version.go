package types

// Version is the canonical project version.
// The CLI, the event vocabulary and the continuation request shape share
// this version.
const Version = "0.3.0"
