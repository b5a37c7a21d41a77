// Package logx is ticketgrab's structured logging layer.
//
// A small wrapper (logx.Logger) sits on top of zerolog and keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - an optional remote sink (min-level + rate limiting) that forwards
//     warnings to an operator chat through the notifier
package logx
