// Package log is the small named logger used across relaybox.
//
// Every component asks for its own logger:
//
//	l := log.ForService("transport")
//	l.Infof("connected to %s", url)
//	l.Debugf("reconnect attempt %d in %s", attempt, delay)
//
// Lines are rendered as `LEVEL [name] message` on top of the standard
// library logger. Debug output is off by default and can be enabled
// globally (SetGlobalDebug) or per service (EnableDebugFor). Enabling debug
// for "client" also enables it for "client.refresh" and other Named children.
//
// SDK users embedding relaybox in their own programs can route or silence
// output with SetOutput / Discard.
package log
