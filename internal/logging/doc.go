// Package logging builds the structured slog logger from configuration.
package logging
