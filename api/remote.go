package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/axonlab/ingest/models"
)

// RemoteClient implements the Client contract against a Server,
// letting the CLI follow and control a clustered ingest.
type RemoteClient struct {
	baseURL    string
	ingestKey  string
	httpClient *http.Client
}

func NewRemoteClient(baseURL, ingestKey string) *RemoteClient {
	return &RemoteClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		ingestKey:  ingestKey,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (client *RemoteClient) do(method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	request, err := http.NewRequest(method, client.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if client.ingestKey != "" {
		request.Header.Set("Authorization", "Bearer "+client.ingestKey)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNoContent {
		return nil
	}
	if response.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, response.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		io.Copy(io.Discard, response.Body)
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func (client *RemoteClient) stream(path string, w io.Writer) error {
	request, err := http.NewRequest(http.MethodGet, client.baseURL+path, nil)
	if err != nil {
		return err
	}
	if client.ingestKey != "" {
		request.Header.Set("Authorization", "Bearer "+client.ingestKey)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode >= 400 {
		return fmt.Errorf("GET %s: %s", path, response.Status)
	}
	_, err = io.Copy(w, response.Body)
	return err
}

func (client *RemoteClient) CreateIngest(ingest *models.Ingest) error {
	payload := map[string]interface{}{
		"label":    ingest.Label,
		"api_host": ingest.ApiHost,
		"api_user": ingest.ApiUser,
		"api_key":  ingest.ApiKey,
		"config":   ingest.Config,
		"strategy": ingest.Strategy,
	}
	created := &models.Ingest{}
	if err := client.do(http.MethodPost, "/ingests", payload, created); err != nil {
		return err
	}
	ingest.ID = created.ID
	ingest.Status = created.Status
	ingest.History = created.History
	return nil
}

func (client *RemoteClient) GetIngest(id string) (*models.Ingest, error) {
	ingest := &models.Ingest{}
	err := client.do(http.MethodGet, "/ingests/"+id, nil, ingest)
	return ingest, err
}

func (client *RemoteClient) ListIngests(limit, offset int) ([]models.Ingest, error) {
	var ingests []models.Ingest
	path := fmt.Sprintf("/ingests?limit=%d&offset=%d", limit, offset)
	err := client.do(http.MethodGet, path, nil, &ingests)
	return ingests, err
}

func (client *RemoteClient) DeleteIngest(id string) error {
	return client.do(http.MethodDelete, "/ingests/"+id, nil, nil)
}

func (client *RemoteClient) StartIngest(id string) error {
	return client.do(http.MethodPost, "/ingests/"+id+"/start", nil, nil)
}

func (client *RemoteClient) ReviewIngest(id string, changes []models.ReviewChange) error {
	var payload interface{}
	if len(changes) > 0 {
		payload = changes
	}
	return client.do(http.MethodPost, "/ingests/"+id+"/review", payload, nil)
}

func (client *RemoteClient) AbortIngest(id string) error {
	return client.do(http.MethodPost, "/ingests/"+id+"/abort", nil, nil)
}

func (client *RemoteClient) Progress(id string) (*models.Progress, error) {
	progress := &models.Progress{}
	err := client.do(http.MethodGet, "/ingests/"+id+"/progress", nil, progress)
	return progress, err
}

func (client *RemoteClient) Summary(id string) (*models.Summary, error) {
	summary := &models.Summary{}
	err := client.do(http.MethodGet, "/ingests/"+id+"/summary", nil, summary)
	return summary, err
}

func (client *RemoteClient) Report(id string) (*models.Report, error) {
	report := &models.Report{}
	err := client.do(http.MethodGet, "/ingests/"+id+"/report", nil, report)
	return report, err
}

func (client *RemoteClient) Tree(id string, limit int) ([]models.TreeNode, error) {
	var nodes []models.TreeNode
	path := fmt.Sprintf("/ingests/%s/tree?limit=%d", id, limit)
	err := client.do(http.MethodGet, path, nil, &nodes)
	return nodes, err
}

func (client *RemoteClient) AuditLogs(id string, w io.Writer) error {
	return client.stream("/ingests/"+id+"/audit", w)
}

func (client *RemoteClient) DeidLogs(id string, w io.Writer) error {
	return client.stream("/ingests/"+id+"/deid", w)
}

func (client *RemoteClient) Subjects(id string, w io.Writer) error {
	return client.stream("/ingests/"+id+"/subjects", w)
}

func (client *RemoteClient) LoadSubjects(id string, r io.Reader) (int, error) {
	request, err := http.NewRequest(http.MethodPost, client.baseURL+"/ingests/"+id+"/subjects", r)
	if err != nil {
		return 0, err
	}
	request.Header.Set("Content-Type", "text/csv")
	if client.ingestKey != "" {
		request.Header.Set("Authorization", "Bearer "+client.ingestKey)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()
	if response.StatusCode >= 400 {
		return 0, fmt.Errorf("load subjects: %s", response.Status)
	}
	var result struct {
		Loaded int `json:"loaded"`
	}
	if err = json.NewDecoder(response.Body).Decode(&result); err != nil {
		return 0, err
	}
	return result.Loaded, nil
}

func (client *RemoteClient) NextTask(worker string) (*models.Task, error) {
	request, err := http.NewRequest(http.MethodPost,
		client.baseURL+"/next-task?worker="+url.QueryEscape(worker), nil)
	if err != nil {
		return nil, err
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if response.StatusCode >= 400 {
		return nil, fmt.Errorf("next-task: %s", response.Status)
	}
	task := &models.Task{}
	if err = json.NewDecoder(response.Body).Decode(task); err != nil {
		return nil, err
	}
	return task, nil
}
