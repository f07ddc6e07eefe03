// Package logx is the bot's structured logging layer.
//
// It wraps zerolog behind a small Logger value type:
//   - console output stays human readable (short timestamp, file:line caller)
//   - file output is JSON lines
//   - an optional operator chat sink forwards WARN+ lines, rate limited
//
// The Service owns the sinks and can be re-applied at runtime (config hot
// reload) without invalidating Logger values handed out earlier.
package logx
