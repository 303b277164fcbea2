package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

// Paths that do not serve JSON and are left out of the document.
var unvalidatedPaths = map[string]bool{
	"/healthz":       true,
	"/readyz":        true,
	"/api/v1/stream": true,
}

const maxReportedBody = 300

// OpenAPIValidator checks traffic produced by integration tests against
// api/openapi/openapi.yaml, so that the document cannot drift from the
// handlers.
type OpenAPIValidator struct {
	router routers.Router
}

// LoadOpenAPIValidator parses and validates the document at path. It needs
// no *testing.T so it can run in TestMain.
func LoadOpenAPIValidator(path string) (*OpenAPIValidator, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load OpenAPI document %s: %w", path, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}

	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build OpenAPI router: %w", err)
	}
	return &OpenAPIValidator{router: router}, nil
}

// ValidateRequest reports a test error when req does not match its operation.
// Authentication is not checked here; the server enforces it.
func (v *OpenAPIValidator) ValidateRequest(t testing.TB, req *http.Request) {
	t.Helper()

	input, ok := v.input(t, req)
	if !ok {
		return
	}
	input.Options = &openapi3filter.Options{
		MultiError:         true,
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
	}

	if err := openapi3filter.ValidateRequest(context.Background(), input); err != nil {
		t.Errorf("OpenAPI: request %s %s: %v", req.Method, req.URL.Path, err)
	}
}

// ValidateResponse reports a test error when resp is not documented for the
// operation req was routed to. The body is read and put back.
func (v *OpenAPIValidator) ValidateResponse(t testing.TB, req *http.Request, resp *http.Response) {
	t.Helper()

	input, ok := v.input(t, req)
	if !ok {
		return
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		t.Errorf("OpenAPI: read response body: %v", err)
		return
	}

	err = openapi3filter.ValidateResponse(context.Background(), &openapi3filter.ResponseValidationInput{
		RequestValidationInput: input,
		Status:                 resp.StatusCode,
		Header:                 resp.Header,
		Body:                   io.NopCloser(bytes.NewReader(body)),
		Options: &openapi3filter.Options{
			MultiError:            true,
			IncludeResponseStatus: true,
		},
	})
	if err != nil {
		t.Errorf("OpenAPI: response %d for %s %s: %s\nbody: %s",
			resp.StatusCode, req.Method, req.URL.Path, clip(err.Error()), clip(string(body)))
	}
}

// input resolves the documented operation for req. It returns false when the
// path is not validated or no operation matches, the latter being reported.
func (v *OpenAPIValidator) input(t testing.TB, req *http.Request) (*openapi3filter.RequestValidationInput, bool) {
	t.Helper()

	if unvalidatedPaths[req.URL.Path] {
		return nil, false
	}

	route, params, err := v.router.FindRoute(req)
	if err != nil {
		t.Errorf("OpenAPI: %s %s is not documented: %v", req.Method, req.URL.Path, err)
		return nil, false
	}
	return &openapi3filter.RequestValidationInput{
		Request:    req,
		PathParams: params,
		Route:      route,
	}, true
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxReportedBody {
		return s[:maxReportedBody] + "..."
	}
	return s
}
