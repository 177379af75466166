// Package logx configures reportbot's structured logging.
//
// A thin wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - an optional alert sink that forwards high-severity records to an
//     outbound chat channel (min-level + rate limiting)
package logx
