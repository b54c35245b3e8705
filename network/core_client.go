package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/op/go-logging"

	"github.com/axonlab/ingest/constants"
)

// ErrNotFound is returned by lookup-style calls when the destination
// has no container at the requested path.
var ErrNotFound = errors.New("container not found")

// RetryableError wraps transient destination failures (HTTP 429 and
// 5xx). Retryable task handlers return their task to pending when they
// see one.
type RetryableError struct {
	StatusCode int
	RequestID  string
	Err        error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable destination error (status %d, request %s): %v",
		e.StatusCode, e.RequestID, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err (anywhere in its chain) marks a
// transient failure worth retrying.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// ContainerInfo is the destination's view of one container.
type ContainerInfo struct {
	ID           string   `json:"_id"`
	Label        string   `json:"label"`
	UID          string   `json:"uid,omitempty"`
	Files        []string `json:"files,omitempty"`
	FilesEnabled bool     `json:"files_enabled"`
}

// ResolveResult is the destination's answer to a path resolution: the
// chain of containers along the path plus the children of the last one.
type ResolveResult struct {
	Path     []ContainerInfo `json:"path"`
	Children []ContainerInfo `json:"children"`
}

// UIDCheckRequest asks the destination which of the listed uids exist
// in the given project.
type UIDCheckRequest struct {
	ProjectID  string   `json:"project_id"`
	StudyUIDs  []string `json:"study_uids,omitempty"`
	SeriesUIDs []string `json:"series_uids,omitempty"`
}

// UIDCheckResponse lists the uids that already exist.
type UIDCheckResponse struct {
	StudyUIDs  []string `json:"study_uids,omitempty"`
	SeriesUIDs []string `json:"series_uids,omitempty"`
}

// CoreClient is the destination-service surface the pipeline consumes.
// The pipeline never talks to the destination except through this
// interface, so tests substitute a fake.
type CoreClient interface {
	Lookup(path string) (*ContainerInfo, error)
	Resolve(path string) (*ResolveResult, error)
	AddContainer(level int, parentID string, doc map[string]interface{}) (string, error)
	AddContainerTag(level int, id, tag string) error
	GetContainer(level int, id string) (*ContainerInfo, error)
	Upload(level int, id, filename string, reader io.Reader, metadata map[string]interface{}) error
	SignedUploadURL(level int, id, filename string) (string, error)
	CheckUIDsExist(request *UIDCheckRequest) (*UIDCheckResponse, error)
	PostDeidLog(payload map[string]interface{}) (string, error)
	GetDeidProfile(group, project string) (string, error)
	CanImportInto(group, project string) (bool, error)
	CanCreateProjectInGroup(group string) (bool, error)
	GetUserActions(containerID string) ([]string, error)
}

// HTTPCoreClient talks to a real destination service over its REST API.
type HTTPCoreClient struct {
	hostUrl    string
	apiKey     string
	httpClient *http.Client
	transport  *http.Transport
	logger     *logging.Logger
}

// NewCoreClient creates a destination client. Param hostUrl should
// include the protocol, e.g. "https://core.example.org".
func NewCoreClient(hostUrl, apiKey string, logger *logging.Logger) (*HTTPCoreClient, error) {
	if hostUrl == "" || apiKey == "" {
		return nil, fmt.Errorf("destination host and api key are required")
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 8,
		DisableKeepAlives:   false,
	}
	httpClient := &http.Client{Transport: transport, Timeout: 5 * time.Minute}
	return &HTTPCoreClient{
		hostUrl:    strings.TrimSuffix(hostUrl, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		transport:  transport,
		logger:     logger,
	}, nil
}

func (client *HTTPCoreClient) newRequest(method, relativeUrl string, body io.Reader) (*http.Request, error) {
	request, err := http.NewRequest(method, client.hostUrl+relativeUrl, body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "scitran-user "+client.apiKey)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return request, nil
}

// doJson issues the request and decodes a JSON response into out.
// Responses of 429 and 5xx come back as RetryableError; 404 maps to
// ErrNotFound.
func (client *HTTPCoreClient) doJson(method, relativeUrl string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	request, err := client.newRequest(method, relativeUrl, body)
	if err != nil {
		return err
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return &RetryableError{Err: err}
	}
	defer response.Body.Close()
	data, err := ioutil.ReadAll(response.Body)
	if err != nil {
		return &RetryableError{StatusCode: response.StatusCode, Err: err}
	}
	switch {
	case response.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500:
		return &RetryableError{
			StatusCode: response.StatusCode,
			RequestID:  response.Header.Get("X-Request-Id"),
			Err:        fmt.Errorf("%s %s: %s", method, relativeUrl, strings.TrimSpace(string(data))),
		}
	case response.StatusCode >= 400:
		return fmt.Errorf("%s %s returned %d: %s",
			method, relativeUrl, response.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Lookup resolves a destination path to the container at its end.
func (client *HTTPCoreClient) Lookup(path string) (*ContainerInfo, error) {
	info := &ContainerInfo{}
	err := client.doJson("GET", "/api/lookup/"+escapePath(path), nil, info)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Resolve returns the container chain for path plus the children of
// the final container.
func (client *HTTPCoreClient) Resolve(path string) (*ResolveResult, error) {
	result := &ResolveResult{}
	err := client.doJson("GET", "/api/resolve/"+escapePath(path), nil, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AddContainer creates a container of the given level under parentID
// and returns its new id.
func (client *HTTPCoreClient) AddContainer(level int, parentID string, doc map[string]interface{}) (string, error) {
	levelName := constants.LevelName(level)
	if levelName == "" {
		return "", fmt.Errorf("invalid container level %d", level)
	}
	if parentID != "" {
		doc[constants.LevelName(level-1)] = parentID
	}
	out := struct {
		ID string `json:"_id"`
	}{}
	err := client.doJson("POST", "/api/"+levelName+"s", doc, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// AddContainerTag attaches a tag to an existing container.
func (client *HTTPCoreClient) AddContainerTag(level int, id, tag string) error {
	levelName := constants.LevelName(level)
	payload := map[string]string{"value": tag}
	return client.doJson("POST", fmt.Sprintf("/api/%ss/%s/tags", levelName, id), payload, nil)
}

// GetContainer fetches one container by id.
func (client *HTTPCoreClient) GetContainer(level int, id string) (*ContainerInfo, error) {
	info := &ContainerInfo{}
	err := client.doJson("GET", fmt.Sprintf("/api/%ss/%s", constants.LevelName(level), id), nil, info)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Upload sends file bytes to the container via the direct multipart
// endpoint.
func (client *HTTPCoreClient) Upload(level int, id, filename string, reader io.Reader, metadata map[string]interface{}) error {
	pipeReader, pipeWriter := io.Pipe()
	form := multipart.NewWriter(pipeWriter)
	go func() {
		var err error
		defer func() { pipeWriter.CloseWithError(err) }()
		if metadata != nil {
			data, merr := json.Marshal(metadata)
			if merr != nil {
				err = merr
				return
			}
			if err = form.WriteField("metadata", string(data)); err != nil {
				return
			}
		}
		part, perr := form.CreateFormFile("file", filename)
		if perr != nil {
			err = perr
			return
		}
		if _, err = io.Copy(part, reader); err != nil {
			return
		}
		err = form.Close()
	}()
	relativeUrl := fmt.Sprintf("/api/%ss/%s/files", constants.LevelName(level), id)
	request, err := client.newRequest("POST", relativeUrl, pipeReader)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", form.FormDataContentType())
	response, err := client.httpClient.Do(request)
	if err != nil {
		return &RetryableError{Err: err}
	}
	defer response.Body.Close()
	io.Copy(ioutil.Discard, response.Body)
	if response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500 {
		return &RetryableError{
			StatusCode: response.StatusCode,
			RequestID:  response.Header.Get("X-Request-Id"),
			Err:        fmt.Errorf("upload of %s failed", filename),
		}
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("upload of %s returned %d", filename, response.StatusCode)
	}
	return nil
}

// SignedUploadURL asks the destination for a signed PUT url for the
// file. Returns "" without error when the server does not advertise
// signed uploads.
func (client *HTTPCoreClient) SignedUploadURL(level int, id, filename string) (string, error) {
	out := struct {
		URL string `json:"upload_url"`
	}{}
	relativeUrl := fmt.Sprintf("/api/%ss/%s/files/%s/upload-url",
		constants.LevelName(level), id, url.PathEscape(filename))
	err := client.doJson("GET", relativeUrl, nil, &out)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

// CheckUIDsExist asks which of the given study/series uids already
// exist in the target project.
func (client *HTTPCoreClient) CheckUIDsExist(request *UIDCheckRequest) (*UIDCheckResponse, error) {
	response := &UIDCheckResponse{}
	err := client.doJson("POST", "/api/uids/exists", request, response)
	if err != nil {
		return nil, err
	}
	return response, nil
}

// PostDeidLog uploads one before/after de-id record and returns its id.
func (client *HTTPCoreClient) PostDeidLog(payload map[string]interface{}) (string, error) {
	out := struct {
		ID string `json:"_id"`
	}{}
	err := client.doJson("POST", "/api/deid-log", payload, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetDeidProfile fetches the server-side de-id profile configured for
// the project, or "" when none is.
func (client *HTTPCoreClient) GetDeidProfile(group, project string) (string, error) {
	out := struct {
		Profile string `json:"profile"`
	}{}
	err := client.doJson("GET",
		fmt.Sprintf("/api/groups/%s/projects/%s/deid-profile", group, url.PathEscape(project)),
		nil, &out)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return out.Profile, nil
}

// CanImportInto reports whether the caller may import into the
// group/project pair.
func (client *HTTPCoreClient) CanImportInto(group, project string) (bool, error) {
	return client.checkPermission(fmt.Sprintf("/api/users/self/can-import/%s/%s",
		group, url.PathEscape(project)))
}

// CanCreateProjectInGroup reports whether the caller may create
// projects in the group.
func (client *HTTPCoreClient) CanCreateProjectInGroup(group string) (bool, error) {
	return client.checkPermission("/api/users/self/can-create-project/" + group)
}

func (client *HTTPCoreClient) checkPermission(relativeUrl string) (bool, error) {
	out := struct {
		Allowed bool `json:"allowed"`
	}{}
	err := client.doJson("GET", relativeUrl, nil, &out)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Allowed, nil
}

// GetUserActions lists the caller's allowed actions on a container.
func (client *HTTPCoreClient) GetUserActions(containerID string) ([]string, error) {
	out := struct {
		Actions []string `json:"actions"`
	}{}
	err := client.doJson("GET", "/api/containers/"+containerID+"/actions", nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Actions, nil
}

func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
