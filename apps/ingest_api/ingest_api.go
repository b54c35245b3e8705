package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/axonlab/ingest/api"
	"github.com/axonlab/ingest/ingestcontext"
	"github.com/axonlab/ingest/models"
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

	bind := config.APIBind
	if bind == "" {
		bind = ":8080"
	}
	server := api.NewServer(_context.Store, _context.MessageLog)
	if err = server.Run(bind); err != nil {
		_context.MessageLog.Fatal("API server stopped: %v", err)
	}
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
ingest_api serves the clustered ingest orchestration API over HTTP:
ingest creation, start/review/abort, progress and report reads, the
audit/deid/subject CSV streams, and the task feed remote workers poll.
It shares the store configured in the config file with the workers.

Usage: ingest_api -config=<path to ingest config file>

Without -config, defaults plus INGEST_* environment variables apply.
`
	fmt.Println(message)
}
