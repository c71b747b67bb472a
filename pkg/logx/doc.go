// Package logx configures pewpost's structured logging.
//
// logx.Logger is a thin wrapper over zerolog that keeps:
//   - console output readable (short timestamp + short caller)
//   - file output as JSON lines
//   - an optional Telegram sink (min-level + rate limiting)
//
// Every sink runs through a redacting writer, so a value passed to
// RegisterSecret never reaches disk or a chat in the clear.
package logx
