// Package ingestcontext bundles the items common to every ingest
// worker process: config, logging, the store client and destination
// client construction. It is the worker-side equivalent of a service
// context and is meant to be used as a singleton per process.
package ingestcontext

import (
	"fmt"
	"os"
	"sync"

	"github.com/op/go-logging"

	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/network"
	"github.com/axonlab/ingest/store"
	"github.com/axonlab/ingest/util/logger"
)

// CoreClientFactory builds a destination client for one ingest's auth.
// Tests substitute a fake.
type CoreClientFactory func(ingest *models.Ingest) (network.CoreClient, error)

type Context struct {
	Config     *models.WorkerConfig
	MessageLog *logging.Logger
	Store      *store.Client

	pathToLogFile string

	coreFactory CoreClientFactory
	coreMu      sync.Mutex
	coreClients map[string]network.CoreClient
}

// NewContext creates the process context. It panics via Fatal when the
// store cannot be opened, since nothing can run without it.
func NewContext(config *models.WorkerConfig) *Context {
	context := &Context{
		Config:      config,
		coreClients: make(map[string]network.CoreClient),
	}
	context.MessageLog, context.pathToLogFile = logger.InitLogger(config)
	storeClient, err := store.NewClient(config, context.MessageLog)
	if err != nil {
		message := fmt.Sprintf("Exiting. Cannot initialize store client: %v", err)
		fmt.Fprintln(os.Stderr, message)
		context.MessageLog.Fatal(message)
	}
	context.Store = storeClient
	context.coreFactory = func(ingest *models.Ingest) (network.CoreClient, error) {
		return network.NewCoreClient(ingest.ApiHost, ingest.ApiKey, context.MessageLog)
	}
	return context
}

// NewTestContext builds a context around pre-made collaborators.
func NewTestContext(storeClient *store.Client, log *logging.Logger, factory CoreClientFactory) *Context {
	return &Context{
		Config:      &models.WorkerConfig{},
		MessageLog:  log,
		Store:       storeClient,
		coreFactory: factory,
		coreClients: make(map[string]network.CoreClient),
	}
}

// CoreClient returns (and caches) the destination client for an
// ingest's stored auth.
func (context *Context) CoreClient(ingest *models.Ingest) (network.CoreClient, error) {
	context.coreMu.Lock()
	defer context.coreMu.Unlock()
	if client, ok := context.coreClients[ingest.ID]; ok {
		return client, nil
	}
	client, err := context.coreFactory(ingest)
	if err != nil {
		return nil, err
	}
	context.coreClients[ingest.ID] = client
	return client, nil
}

// PathToLogFile returns the path to this process' log file.
func (context *Context) PathToLogFile() string {
	return context.pathToLogFile
}
