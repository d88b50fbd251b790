package types

// Version is the canonical project version, shared by the server, the CLI
// and the stream wire protocol.
const Version = "0.3.0"
