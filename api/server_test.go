package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonlab/ingest/api"
	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/store"
	"github.com/axonlab/ingest/util/logger"
)

func newTestServer(t *testing.T) (*api.Server, *store.Client) {
	t.Helper()
	storeClient, err := store.NewSqliteClient(":memory:", logger.DiscardLogger("api_test"))
	require.NoError(t, err)
	return api.NewServer(storeClient, logger.DiscardLogger("api_test")), storeClient
}

func doJSON(t *testing.T, server *api.Server, method, path, key string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(encoded)
	} else {
		body = bytes.NewBuffer(nil)
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	if key != "" {
		request.Header.Set("Authorization", "Bearer "+key)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, request)
	return recorder
}

func createPayload() map[string]interface{} {
	return map[string]interface{}{
		"label":    "batch-1",
		"api_host": "https://core.example.org",
		"api_key":  "secret-key",
		"config":   map[string]interface{}{"src": "/data/batch-1"},
		"strategy": map[string]interface{}{
			"type": "dicom", "group_id": "neuro", "project_label": "Study A",
		},
	}
}

func createTestIngest(t *testing.T, server *api.Server) *models.Ingest {
	t.Helper()
	response := doJSON(t, server, http.MethodPost, "/ingests", "", createPayload())
	require.Equal(t, http.StatusCreated, response.Code)
	ingest := &models.Ingest{}
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), ingest))
	return ingest
}

func TestCreateIngest(t *testing.T) {
	server, storeClient := newTestServer(t)
	ingest := createTestIngest(t, server)

	assert.Equal(t, constants.IngestCreated, ingest.Status)
	assert.NotEmpty(t, ingest.ID)

	stored, err := storeClient.GetIngest(ingest.ID)
	require.NoError(t, err)
	assert.Equal(t, "batch-1", stored.Label)
	assert.Equal(t, "secret-key", stored.ApiKey)
}

func TestCreateIngestRejectsBadPayload(t *testing.T) {
	server, _ := newTestServer(t)

	payload := createPayload()
	delete(payload, "api_key")
	response := doJSON(t, server, http.MethodPost, "/ingests", "", payload)
	assert.Equal(t, http.StatusBadRequest, response.Code)

	payload = createPayload()
	payload["strategy"] = map[string]interface{}{"type": "mystery"}
	response = doJSON(t, server, http.MethodPost, "/ingests", "", payload)
	assert.Equal(t, http.StatusBadRequest, response.Code)
}

func TestGetIngest(t *testing.T) {
	server, _ := newTestServer(t)
	ingest := createTestIngest(t, server)

	response := doJSON(t, server, http.MethodGet, "/ingests/"+ingest.ID, "", nil)
	assert.Equal(t, http.StatusOK, response.Code)

	response = doJSON(t, server, http.MethodGet, "/ingests/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, response.Code)
}

func TestMutatingRoutesRequireIngestKey(t *testing.T) {
	server, _ := newTestServer(t)
	ingest := createTestIngest(t, server)

	response := doJSON(t, server, http.MethodPost, "/ingests/"+ingest.ID+"/start", "", nil)
	assert.Equal(t, http.StatusUnauthorized, response.Code)

	response = doJSON(t, server, http.MethodPost, "/ingests/"+ingest.ID+"/start", "wrong-key", nil)
	assert.Equal(t, http.StatusUnauthorized, response.Code)

	response = doJSON(t, server, http.MethodPost, "/ingests/"+ingest.ID+"/start", "secret-key", nil)
	assert.Equal(t, http.StatusNoContent, response.Code)
}

func TestStartTwiceConflicts(t *testing.T) {
	server, _ := newTestServer(t)
	ingest := createTestIngest(t, server)

	response := doJSON(t, server, http.MethodPost, "/ingests/"+ingest.ID+"/start", "secret-key", nil)
	require.Equal(t, http.StatusNoContent, response.Code)

	response = doJSON(t, server, http.MethodPost, "/ingests/"+ingest.ID+"/start", "secret-key", nil)
	assert.Equal(t, http.StatusConflict, response.Code)
}

func TestNextTask(t *testing.T) {
	server, _ := newTestServer(t)

	response := doJSON(t, server, http.MethodPost, "/next-task?worker=host-1-0", "", nil)
	assert.Equal(t, http.StatusNoContent, response.Code, "empty queue")

	response = doJSON(t, server, http.MethodPost, "/next-task", "", nil)
	assert.Equal(t, http.StatusBadRequest, response.Code, "worker name required")

	ingest := createTestIngest(t, server)
	start := doJSON(t, server, http.MethodPost, "/ingests/"+ingest.ID+"/start", "secret-key", nil)
	require.Equal(t, http.StatusNoContent, start.Code)

	response = doJSON(t, server, http.MethodPost, "/next-task?worker=host-1-0", "", nil)
	require.Equal(t, http.StatusOK, response.Code)
	task := &models.Task{}
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), task))
	assert.Equal(t, constants.TaskConfigure, task.Type)
	assert.Equal(t, "host-1-0", task.Worker)
}

func TestProgressAndAudit(t *testing.T) {
	server, _ := newTestServer(t)
	ingest := createTestIngest(t, server)

	response := doJSON(t, server, http.MethodGet, "/ingests/"+ingest.ID+"/progress", "", nil)
	assert.Equal(t, http.StatusOK, response.Code)

	response = doJSON(t, server, http.MethodGet, "/ingests/"+ingest.ID+"/audit", "", nil)
	assert.Equal(t, http.StatusOK, response.Code)
	assert.Equal(t, "text/csv", response.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(response.Body.String(), "src_path,"))
}

func TestListIngests(t *testing.T) {
	server, _ := newTestServer(t)
	createTestIngest(t, server)
	createTestIngest(t, server)

	response := doJSON(t, server, http.MethodGet, "/ingests", "", nil)
	require.Equal(t, http.StatusOK, response.Code)
	var ingests []models.Ingest
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &ingests))
	assert.Len(t, ingests, 2)
}

func TestDeleteIngestGuard(t *testing.T) {
	server, storeClient := newTestServer(t)
	ingest := createTestIngest(t, server)

	start := doJSON(t, server, http.MethodPost, "/ingests/"+ingest.ID+"/start", "secret-key", nil)
	require.Equal(t, http.StatusNoContent, start.Code)

	response := doJSON(t, server, http.MethodDelete, "/ingests/"+ingest.ID, "secret-key", nil)
	assert.Equal(t, http.StatusInternalServerError, response.Code, "live ingest")

	require.NoError(t, storeClient.FailIngest(ingest.ID))
	response = doJSON(t, server, http.MethodDelete, "/ingests/"+ingest.ID, "secret-key", nil)
	assert.Equal(t, http.StatusNoContent, response.Code)
}
