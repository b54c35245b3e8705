package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/axonlab/ingest/ingestcontext"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/workers"
)

// See printUsage for a description.
func main() {
	pathToConfigFile := parseCommandLine()
	config, err := models.LoadWorkerConfig(pathToConfigFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	_context := ingestcontext.NewContext(config)
	_context.MessageLog.Info("ingest_worker started, logging to %s", _context.PathToLogFile())

	pool := workers.NewPool(_context)
	pool.Run()
}

func parseCommandLine() (configFile string) {
	var pathToConfigFile string
	flag.StringVar(&pathToConfigFile, "config", "", "Path to ingest config file")
	flag.Usage = printUsage
	flag.Parse()
	return pathToConfigFile
}

// Tell the user about the program.
func printUsage() {
	message := `
ingest_worker polls the ingest store for pending tasks and runs them:
scanning source trees, resolving the destination hierarchy, detecting
duplicates, packing and uploading files, and finalizing audit logs. Any
number of workers may share one store; each advances whatever ingest has
work pending. The first SIGINT/SIGTERM lets the current task finish
within a grace period; a second signal forces shutdown.

Usage: ingest_worker -config=<path to ingest config file>

Without -config, defaults plus INGEST_* environment variables apply.
`
	fmt.Println(message)
}
