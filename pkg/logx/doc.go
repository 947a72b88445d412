// Package logx is the structured logger shared by every fleetnotify component.
//
// It wraps zerolog. Console output is human readable with a short caller;
// the optional log file receives JSON lines. Loggers handed out by a Service
// follow later Service.Apply calls, so a config reload changes the level of
// components that captured their logger long before.
package logx
