// Package logging provides file-based structured logging with rotation
// for the retrieval service. Logs are written as JSON to ~/.ragd/logs/
// and optionally mirrored to stderr for interactive CLI use.
package logging
