//go:build unix

package main

import "syscall"

func init() {
	suspendSignal = syscall.SIGTSTP
}
