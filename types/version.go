package types

// Version is the canonical project version reported by the CLI and
// attached to serve-startup logs.
const Version = "0.9.2"
