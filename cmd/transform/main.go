// Package main is the entry point for the transform binary. "run" executes
// one load (the form a Dataflow flex template invokes); "agent" serves the
// HTTP job-runner the coordinator submits to when LAUNCHER=agent.
package main

import "os"

func main() {
	os.Exit(execute())
}
