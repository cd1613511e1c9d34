// Package logx configures sheetbot's structured logging.
//
// A small value-type wrapper (logx.Logger) sits on top of zerolog so that:
//   - console output stays readable (short timestamp + short caller)
//   - file output stays JSON-structured
//   - warnings can optionally be mirrored to a Telegram log chat (min level + rate limit)
package logx
