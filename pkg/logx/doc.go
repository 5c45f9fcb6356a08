// Package logx wraps zerolog for grug.
//
// Components take a Logger value (the zero value discards) and tag it with
// a "comp" field. The Service owns the sinks:
//   - Console output, pretty (short timestamp + short caller) or JSON lines
//   - File output, JSON-structured
//   - Optional alert sink (min-level + rate limiting) through an AlertSender
//
// Apply swaps sinks and level at runtime on config reload.
package logx
