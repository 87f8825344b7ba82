// Package common provides shared constants, types, utilities, and interfaces
// used throughout vpnctl.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: timeouts, file names, port ranges
//   - Errors: the failure taxonomy shared by providers, the controller and the killswitch
//   - Logger: leveled logging backed by zap, with optional rotated file output
//   - Secret: a scrubbable container for credentials
//
// # Usage
//
//	common.LogInfo("Starting connection to %s", host)
//
//	switch common.Classify(err) {
//	case common.KindAuthentication:
//	    // prompt for new credentials
//	case common.KindEngine:
//	    // lockdown could not be engaged
//	}
package common
