// Package logx configures nudged's structured logging.
//
// logx.Logger wraps zerolog and keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - an optional operator sink (min-level + rate limiting)
package logx
