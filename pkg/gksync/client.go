package gksync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/oapi-codegen/runtime"
	"github.com/wurt83ow/gitako-sw/pkg/models"
)

// RequestEditorFn  is the function signature for the RequestEditor callback function
type RequestEditorFn func(ctx context.Context, req *http.Request) error

// Doer performs HTTP requests.
//
// The standard http.Client implements this interface.
type HttpRequestDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the farm-management server.
type Client struct {
	// The endpoint of the server, with scheme, http://farm.local for
	// example. All operation paths are resolved against it.
	Server string

	// Doer for performing requests, typically a *http.Client with any
	// customized settings, such as a cookie jar.
	Client HttpRequestDoer

	// A list of callbacks for modifying requests which are generated before sending over
	// the network.
	RequestEditors []RequestEditorFn
}

// ClientOption allows setting custom parameters during construction
type ClientOption func(*Client) error

// Creates a new Client, with reasonable defaults
func NewClient(server string, opts ...ClientOption) (*Client, error) {
	client := Client{
		Server: server,
	}
	for _, o := range opts {
		if err := o(&client); err != nil {
			return nil, err
		}
	}
	// ensure the server URL always has a trailing slash
	if !strings.HasSuffix(client.Server, "/") {
		client.Server += "/"
	}
	if client.Client == nil {
		client.Client = &http.Client{}
	}
	return &client, nil
}

// WithHTTPClient allows overriding the default Doer, which is
// automatically created using http.Client. This is useful for tests.
func WithHTTPClient(doer HttpRequestDoer) ClientOption {
	return func(c *Client) error {
		c.Client = doer
		return nil
	}
}

// WithRequestEditorFn allows setting up a callback function, which will be
// called right before sending the request. This can be used to mutate the request.
func WithRequestEditorFn(fn RequestEditorFn) ClientOption {
	return func(c *Client) error {
		c.RequestEditors = append(c.RequestEditors, fn)
		return nil
	}
}

// ClientInterface is implemented by Client.
type ClientInterface interface {
	// PostSyncWithBody replays one queued record of collection.
	PostSyncWithBody(ctx context.Context, collection models.Collection, contentType string, body io.Reader, reqEditors ...RequestEditorFn) (*http.Response, error)

	// PostFormWithBody submits a form of formType directly.
	PostFormWithBody(ctx context.Context, formType string, contentType string, body io.Reader, reqEditors ...RequestEditorFn) (*http.Response, error)
}

func (c *Client) PostSyncWithBody(ctx context.Context, collection models.Collection, contentType string, body io.Reader, reqEditors ...RequestEditorFn) (*http.Response, error) {
	req, err := NewPostSyncRequestWithBody(c.Server, collection, contentType, body)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if err := c.applyEditors(ctx, req, reqEditors); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

func (c *Client) PostFormWithBody(ctx context.Context, formType string, contentType string, body io.Reader, reqEditors ...RequestEditorFn) (*http.Response, error) {
	req, err := NewPostFormRequestWithBody(c.Server, formType, contentType, body)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if err := c.applyEditors(ctx, req, reqEditors); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

// NewPostSyncRequestWithBody generates a replay request for collection.
func NewPostSyncRequestWithBody(server string, collection models.Collection, contentType string, body io.Reader) (*http.Request, error) {
	operationPath, ok := SyncEndpoints[collection]
	if !ok {
		return nil, fmt.Errorf("no sync endpoint for collection %q", collection)
	}
	return newRequest(server, http.MethodPost, operationPath, contentType, body)
}

// NewPostFormRequestWithBody generates requests for PostForm with any type of body
func NewPostFormRequestWithBody(server string, formType string, contentType string, body io.Reader) (*http.Request, error) {
	var err error

	var pathParam0 string

	pathParam0, err = runtime.StyleParamWithLocation("simple", false, "formType", runtime.ParamLocationPath, formType)
	if err != nil {
		return nil, err
	}

	return newRequest(server, http.MethodPost, fmt.Sprintf("/api/forms/%s/", pathParam0), contentType, body)
}

func newRequest(server, method, operationPath, contentType string, body io.Reader) (*http.Request, error) {
	serverURL, err := url.Parse(server)
	if err != nil {
		return nil, err
	}

	if operationPath[0] == '/' {
		operationPath = "." + operationPath
	}

	queryURL, err := serverURL.Parse(operationPath)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(method, queryURL.String(), body)
	if err != nil {
		return nil, err
	}

	req.Header.Add("Content-Type", contentType)

	return req, nil
}

func (c *Client) applyEditors(ctx context.Context, req *http.Request, additionalEditors []RequestEditorFn) error {
	for _, r := range c.RequestEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	for _, r := range additionalEditors {
		if err := r(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// ClientWithResponses builds on ClientInterface to offer response payloads
type ClientWithResponses struct {
	ClientInterface
}

// NewClientWithResponses creates a new ClientWithResponses, which wraps
// Client with return type handling
func NewClientWithResponses(server string, opts ...ClientOption) (*ClientWithResponses, error) {
	client, err := NewClient(server, opts...)
	if err != nil {
		return nil, err
	}
	return &ClientWithResponses{client}, nil
}

// WithBaseURL overrides the baseURL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) error {
		newBaseURL, err := url.Parse(baseURL)
		if err != nil {
			return err
		}
		c.Server = newBaseURL.String()
		return nil
	}
}

type PostResponse struct {
	Body         []byte
	HTTPResponse *http.Response
}

// Status returns HTTPResponse.Status
func (r PostResponse) Status() string {
	if r.HTTPResponse != nil {
		return r.HTTPResponse.Status
	}
	return http.StatusText(0)
}

// StatusCode returns HTTPResponse.StatusCode
func (r PostResponse) StatusCode() int {
	if r.HTTPResponse != nil {
		return r.HTTPResponse.StatusCode
	}
	return 0
}

// OK reports a status in the 2xx range.
func (r PostResponse) OK() bool {
	code := r.StatusCode()
	return code >= 200 && code < 300
}

// PostSyncWithResponse replays a JSON payload and parses the response.
func (c *ClientWithResponses) PostSyncWithResponse(ctx context.Context, collection models.Collection, payload []byte, reqEditors ...RequestEditorFn) (*PostResponse, error) {
	rsp, err := c.PostSyncWithBody(ctx, collection, "application/json", bytes.NewReader(payload), reqEditors...)
	if err != nil {
		return nil, err
	}
	return ParsePostResponse(rsp)
}

// PostFormWithResponse submits body encoded as JSON and parses the response.
func (c *ClientWithResponses) PostFormWithResponse(ctx context.Context, formType string, body any, reqEditors ...RequestEditorFn) (*PostResponse, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	rsp, err := c.PostFormWithBody(ctx, formType, "application/json", bytes.NewReader(buf), reqEditors...)
	if err != nil {
		return nil, err
	}
	return ParsePostResponse(rsp)
}

// ParsePostResponse parses an HTTP response from a Post*WithResponse call
func ParsePostResponse(rsp *http.Response) (*PostResponse, error) {
	bodyBytes, err := io.ReadAll(rsp.Body)
	defer func() { _ = rsp.Body.Close() }()
	if err != nil {
		return nil, err
	}

	response := &PostResponse{
		Body:         bodyBytes,
		HTTPResponse: rsp,
	}

	return response, nil
}
