// Package powershell provides the bridge between WSMan transport and psrpcore.
//
// This package implements:
//   - RunspacePool management over WSMan
//   - PowerShell pipeline execution
//   - Per-pipeline transports that read a command's stdout stream
//   - io.ReadWriter adapter for WSMan Send/Receive
package powershell
