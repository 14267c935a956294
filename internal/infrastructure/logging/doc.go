// Package logging provides structured logging for homesync.
//
// It wraps log/slog so every component logs with the same format,
// level filtering and default fields (service, version).
//
// Logging is configured via the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	transportLog := logger.Component("transport")
//	transportLog.Info("connected", "url", url)
//
// Never log the backend access token. Log a prefix at most.
package logging
