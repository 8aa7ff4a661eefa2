package main

import (
	"fmt"
	"os"
)

// version is overridden at link time: -ldflags "-X main.version=1.2.3".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "batchd:", err)
		os.Exit(1)
	}
}
