package version

// Value is overridden at build time via -ldflags.
var Value = "dev"
