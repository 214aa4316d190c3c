package version

// Version is the semantic version of the server. Overridden at build
// time with -ldflags "-X github.com/stepflow/stepflow/version.Version=...".
var Version = "0.0.0"
