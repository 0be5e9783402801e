package dbtest

import (
	"flag"
	"os"
	"os/signal"
)

// Inspect keeps the container of a failed test running until the developer
// interrupts the test binary (Ctrl+C). The testcontainers reaper still removes
// it eventually.
var Inspect = flag.Bool("dbtest.inspect", false, "keep test container running for inspection after a failed test completes")

// waitForInspection blocks until the process receives SIGINT.
func waitForInspection() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer signal.Stop(c)
	<-c
}
