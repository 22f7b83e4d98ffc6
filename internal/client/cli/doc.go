// Package cli provides the interactive shotkeeper command-line client.
//
// It wires configuration, the local snapshot store, the backend adapter and
// an interactive REPL that keeps working offline. Typical flow: open a
// session with "use <userId>", pick a project, tick shot items off; the
// connectivity watcher pushes queued changes whenever the backend becomes
// reachable, and "sync" does the same on demand.
//
// The REPL is started via App.Run(ctx, in), which blocks until the user
// exits. See App, runREPL and connectivity.Watcher for details.
package cli
