package main

import (
	"fmt"
	"os"

	"go.uber.org/automaxprocs/maxprocs"
)

const serviceName = "livesync"

func main() {
	_, _ = maxprocs.Set()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
