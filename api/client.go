// Package api exposes the ingest orchestration surface three ways: a
// Client interface, a store-backed local implementation, and a
// gin-served HTTP facade with a matching remote client for clustered
// mode.
package api

import (
	"io"

	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/store"
)

// Client is the full orchestration contract: ingest lifecycle, reads
// for the reporter, the CSV streams and the worker task feed. The
// local and remote implementations are interchangeable.
type Client interface {
	CreateIngest(ingest *models.Ingest) error
	GetIngest(id string) (*models.Ingest, error)
	ListIngests(limit, offset int) ([]models.Ingest, error)
	DeleteIngest(id string) error

	StartIngest(id string) error
	ReviewIngest(id string, changes []models.ReviewChange) error
	AbortIngest(id string) error

	Progress(id string) (*models.Progress, error)
	Summary(id string) (*models.Summary, error)
	Report(id string) (*models.Report, error)
	Tree(id string, limit int) ([]models.TreeNode, error)

	AuditLogs(id string, w io.Writer) error
	DeidLogs(id string, w io.Writer) error
	Subjects(id string, w io.Writer) error
	LoadSubjects(id string, r io.Reader) (int, error)

	NextTask(worker string) (*models.Task, error)
}

// LocalClient serves the contract straight from the store, for the
// single-process (embedded sqlite) mode.
type LocalClient struct {
	store *store.Client
}

func NewLocalClient(storeClient *store.Client) *LocalClient {
	return &LocalClient{store: storeClient}
}

func (client *LocalClient) CreateIngest(ingest *models.Ingest) error {
	return client.store.CreateIngest(ingest)
}

func (client *LocalClient) GetIngest(id string) (*models.Ingest, error) {
	return client.store.GetIngest(id)
}

func (client *LocalClient) ListIngests(limit, offset int) ([]models.Ingest, error) {
	return client.store.ListIngests(limit, offset)
}

func (client *LocalClient) DeleteIngest(id string) error {
	return client.store.DeleteIngest(id)
}

func (client *LocalClient) StartIngest(id string) error {
	return client.store.StartIngest(id)
}

func (client *LocalClient) ReviewIngest(id string, changes []models.ReviewChange) error {
	return client.store.ReviewIngest(id, changes)
}

func (client *LocalClient) AbortIngest(id string) error {
	return client.store.AbortIngest(id)
}

func (client *LocalClient) Progress(id string) (*models.Progress, error) {
	return client.store.Progress(id)
}

func (client *LocalClient) Summary(id string) (*models.Summary, error) {
	return client.store.Summary(id)
}

func (client *LocalClient) Report(id string) (*models.Report, error) {
	return client.store.Report(id)
}

func (client *LocalClient) Tree(id string, limit int) ([]models.TreeNode, error) {
	return client.store.Tree(id, limit)
}

func (client *LocalClient) AuditLogs(id string, w io.Writer) error {
	return client.store.AuditLogs(id, w)
}

func (client *LocalClient) DeidLogs(id string, w io.Writer) error {
	return client.store.DeidLogs(id, w)
}

func (client *LocalClient) Subjects(id string, w io.Writer) error {
	return client.store.Subjects(id, w)
}

func (client *LocalClient) LoadSubjects(id string, r io.Reader) (int, error) {
	return client.store.LoadSubjectCSV(id, r)
}

func (client *LocalClient) NextTask(worker string) (*models.Task, error) {
	return client.store.NextTask(worker)
}
