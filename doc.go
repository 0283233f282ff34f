// Package psrp provides a complete PowerShell Remoting Protocol (PSRP) client
// with WinRM/WSMan transport support.
//
// This package builds upon psrpcore (the sans-IO protocol logic: PSRP value
// model, fragmentation, message catalogue, runspace pool/pipeline state
// machine) by adding:
//   - WSMan/WinRM transport layer (HTTP/HTTPS with SOAP)
//   - NTLM, Basic, and Kerberos/Negotiate authentication
//   - High-level client API for easy PowerShell remoting
//
// # Architecture
//
// The library is organized into layers:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  client/       High-level convenience API               │
//	├─────────────────────────────────────────────────────────┤
//	│  powershell/   RunspacePool + Pipeline management       │
//	├─────────────────────────────────────────────────────────┤
//	│  wsman/        WSMan/WinRM transport layer              │
//	├─────────────────────────────────────────────────────────┤
//	│  psrpcore/     Sans-IO PSRP protocol                    │
//	└─────────────────────────────────────────────────────────┘
//
// # Quick Start
//
//	cfg := client.DefaultConfig()
//	cfg.Username = "administrator"
//	cfg.Password = "password"
//	cfg.AuthType = client.AuthNTLM
//
//	c, err := client.New("server.example.com", cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close(ctx)
//
//	result, err := c.Execute(ctx, "Get-Process | Select -First 5")
package psrp
