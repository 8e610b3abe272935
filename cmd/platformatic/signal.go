package main

import (
	"os"
	"os/signal"
	"syscall"
)

// suspendSignal is set on platforms where Ctrl+Z raises a signal. The server
// stops on it instead of being suspended.
var suspendSignal os.Signal

// shutdownSignals returns a channel receiving the signals that stop a server.
func shutdownSignals() chan os.Signal {
	sigs := []os.Signal{os.Interrupt, syscall.SIGTERM}
	if suspendSignal != nil {
		sigs = append(sigs, suspendSignal)
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, sigs...)
	return sigChan
}

func shutdownMessage(sig os.Signal) string {
	if suspendSignal != nil && sig == suspendSignal {
		return "Received suspend signal (Ctrl+Z), shutting down gracefully..."
	}
	return "Received interrupt signal, shutting down..."
}
