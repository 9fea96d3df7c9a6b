package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lemonberrylabs/cellexpr/pkg/runtime"
	"github.com/lemonberrylabs/cellexpr/pkg/store"
)

const quickstart = `
name: quickstart
dimension:
  name: d0
  domain: [0, 9]
attributes:
  - name: a1
    type: INT32
  - name: a2
    type: INT32
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	engine, err := runtime.NewEngine(store.New(), runtime.Options{Registerer: reg})
	if err != nil {
		t.Fatal(err)
	}
	return New(engine, nil, reg)
}

// do sends a request to the server and decodes the JSON response.
func do(t *testing.T, srv *Server, method, path, contentType, body string) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("%s %s: invalid JSON %q: %v", method, path, data, err)
		}
	}
	return resp.StatusCode, out
}

func doJSON(t *testing.T, srv *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	return do(t, srv, method, path, "application/json", body)
}

// setupQuickstart creates the quickstart array with a1 = 0..9, a2 = 10..19.
func setupQuickstart(t *testing.T, srv *Server) {
	t.Helper()
	if status, body := do(t, srv, "POST", "/v1/arrays", "application/yaml", quickstart); status != 200 {
		t.Fatalf("create array: %d %v", status, body)
	}
	status, body := doJSON(t, srv, "POST", "/v1/arrays/quickstart/cells",
		`{"start": 0, "attributes": {"a1": [0,1,2,3,4,5,6,7,8,9], "a2": [10,11,12,13,14,15,16,17,18,19]}}`)
	if status != 200 {
		t.Fatalf("write cells: %d %v", status, body)
	}
}

func numbers(v any) []float64 {
	list, _ := v.([]any)
	out := make([]float64, len(list))
	for i, x := range list {
		out[i], _ = x.(float64)
	}
	return out
}

func errorStatusOf(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	s, _ := e["status"].(string)
	return s
}

func TestArrayCRUD(t *testing.T) {
	srv := newTestServer(t)

	status, body := do(t, srv, "POST", "/v1/arrays", "application/yaml", quickstart)
	if status != 200 {
		t.Fatalf("expected 200, got %d: %v", status, body)
	}
	if body["name"] != "quickstart" || body["cellCount"] != float64(10) {
		t.Errorf("unexpected array: %v", body)
	}

	status, body = do(t, srv, "POST", "/v1/arrays", "application/yaml", quickstart)
	if status != 409 || errorStatusOf(body) != "ALREADY_EXISTS" {
		t.Errorf("expected 409 ALREADY_EXISTS, got %d %v", status, body)
	}

	status, body = doJSON(t, srv, "GET", "/v1/arrays/quickstart", "")
	if status != 200 || body["name"] != "quickstart" {
		t.Errorf("get: %d %v", status, body)
	}

	status, body = doJSON(t, srv, "GET", "/v1/arrays", "")
	if arrays, _ := body["arrays"].([]any); status != 200 || len(arrays) != 1 {
		t.Errorf("list: %d %v", status, body)
	}

	status, _ = doJSON(t, srv, "DELETE", "/v1/arrays/quickstart", "")
	if status != 200 {
		t.Errorf("delete: %d", status)
	}
	status, body = doJSON(t, srv, "GET", "/v1/arrays/quickstart", "")
	if status != 404 || errorStatusOf(body) != "NOT_FOUND" {
		t.Errorf("expected 404 after delete, got %d %v", status, body)
	}
}

func TestCreateArrayInvalid(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"no attributes", "name: x\ndimension: {name: d, domain: [0, 1]}\n"},
		{"bad yaml", "name: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, srv, "POST", "/v1/arrays", "application/yaml", tt.body)
			if status != 400 || errorStatusOf(body) != "INVALID_ARGUMENT" {
				t.Errorf("expected 400 INVALID_ARGUMENT, got %d %v", status, body)
			}
		})
	}
}

func TestCreateArrayNameFromQuery(t *testing.T) {
	srv := newTestServer(t)
	src := strings.Replace(quickstart, "name: quickstart", "", 1)

	status, body := do(t, srv, "POST", "/v1/arrays?arrayId=named", "application/yaml", src)
	if status != 200 || body["name"] != "named" {
		t.Errorf("expected array named from arrayId, got %d %v", status, body)
	}
}

func TestWriteAndReadCells(t *testing.T) {
	srv := newTestServer(t)
	setupQuickstart(t, srv)

	status, body := doJSON(t, srv, "GET", "/v1/arrays/quickstart/cells?lo=2&hi=4&attributes=a2", "")
	if status != 200 {
		t.Fatalf("read: %d %v", status, body)
	}
	attrs, _ := body["attributes"].(map[string]any)
	a2, _ := attrs["a2"].(map[string]any)
	if a2["type"] != "INT32" {
		t.Errorf("unexpected type %v", a2["type"])
	}
	if diff := cmp.Diff([]float64{12, 13, 14}, numbers(a2["values"])); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"out of range value", "/v1/arrays/quickstart/cells", `{"start": 0, "attributes": {"a1": [4294967296]}}`, 400},
		{"past domain", "/v1/arrays/quickstart/cells", `{"start": 9, "attributes": {"a1": [1, 2]}}`, 400},
		{"unknown attribute", "/v1/arrays/quickstart/cells", `{"start": 0, "attributes": {"zz": [1]}}`, 400},
		{"not a number", "/v1/arrays/quickstart/cells", `{"start": 0, "attributes": {"a1": [true]}}`, 400},
		{"unknown array", "/v1/arrays/nope/cells", `{"start": 0, "attributes": {"a1": [1]}}`, 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, srv, "POST", tt.path, tt.body)
			if status != tt.status {
				t.Errorf("expected %d, got %d: %v", tt.status, status, body)
			}
		})
	}

	// Numbers may also be sent as strings.
	status, body = doJSON(t, srv, "POST", "/v1/arrays/quickstart/cells", `{"start": 0, "attributes": {"a1": ["-7"]}}`)
	if status != 200 {
		t.Errorf("string values: %d %v", status, body)
	}
}

func TestCompileExpression(t *testing.T) {
	srv := newTestServer(t)
	setupQuickstart(t, srv)

	status, body := doJSON(t, srv, "POST", "/v1/arrays/quickstart/expressions:compile", `{"expression": "a2 - a1 - 1"}`)
	if status != 200 {
		t.Fatalf("compile: %d %v", status, body)
	}
	if body["ast"] != "(- a2 (- a1 1))" {
		t.Errorf("unexpected ast %v", body["ast"])
	}
	if diff := cmp.Diff([]any{"a1", "a2"}, body["requiredAttributes"]); diff != "" {
		t.Errorf("required mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		expression string
		position   bool
	}{
		{"a1 + b", false},
		{"a1 +", true},
		{"sum(a1)", true},
		{"1.5e", true},
	}
	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			status, body := doJSON(t, srv, "POST", "/v1/arrays/quickstart/expressions:compile",
				`{"expression": "`+tt.expression+`"}`)
			if status != 400 || errorStatusOf(body) != "INVALID_ARGUMENT" {
				t.Fatalf("expected 400, got %d %v", status, body)
			}
			e := body["error"].(map[string]any)
			if _, ok := e["position"]; ok != tt.position {
				t.Errorf("position present = %v, want %v: %v", ok, tt.position, e)
			}
		})
	}
}

func TestQueryLifecycle(t *testing.T) {
	srv := newTestServer(t)
	setupQuickstart(t, srv)

	status, body := doJSON(t, srv, "POST", "/v1/arrays/quickstart/queries",
		`{"expression": "((2 * (a1 + a2)) + (a1 / a2)) - 1", "subarray": [3, 7], "attributes": ["a1"]}`)
	if status != 200 {
		t.Fatalf("query: %d %v", status, body)
	}
	if body["state"] != "SUCCEEDED" || body["numCells"] != float64(5) {
		t.Errorf("unexpected query %v", body)
	}
	output, _ := body["output"].(map[string]any)
	if diff := cmp.Diff([]float64{31, 35, 39, 43, 47}, numbers(output["values"])); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	result, _ := body["result"].(map[string]any)
	a1, _ := result["a1"].(map[string]any)
	if diff := cmp.Diff([]float64{3, 4, 5, 6, 7}, numbers(a1["values"])); diff != "" {
		t.Errorf("a1 mismatch (-want +got):\n%s", diff)
	}

	name, _ := body["name"].(string)
	id := name[strings.LastIndex(name, "/")+1:]
	status, got := doJSON(t, srv, "GET", "/v1/arrays/quickstart/queries/"+id, "")
	if status != 200 || got["name"] != name {
		t.Errorf("get query: %d %v", status, got)
	}

	status, list := doJSON(t, srv, "GET", "/v1/arrays/quickstart/queries", "")
	if queries, _ := list["queries"].([]any); status != 200 || len(queries) != 1 {
		t.Errorf("list queries: %d %v", status, list)
	}

	status, _ = doJSON(t, srv, "GET", "/v1/arrays/quickstart/queries/missing", "")
	if status != 404 {
		t.Errorf("expected 404 for a missing query, got %d", status)
	}
}

func TestQueryDivisionByZero(t *testing.T) {
	srv := newTestServer(t)
	setupQuickstart(t, srv)

	status, body := doJSON(t, srv, "POST", "/v1/arrays/quickstart/queries", `{"expression": "a2 / (a1 - a1)"}`)
	if status != 422 {
		t.Fatalf("expected 422, got %d %v", status, body)
	}
	q, _ := body["query"].(map[string]any)
	if q["state"] != "FAILED" {
		t.Errorf("expected recorded FAILED query, got %v", q)
	}
	if !strings.Contains(body["error"].(map[string]any)["message"].(string), "integer divide by zero") {
		t.Errorf("unexpected error %v", body["error"])
	}

	// The server keeps serving.
	status, body = doJSON(t, srv, "POST", "/v1/arrays/quickstart/queries", `{"expression": "a1 + 2", "subarray": [0, 2]}`)
	if status != 200 {
		t.Fatalf("follow-up query: %d %v", status, body)
	}
	output, _ := body["output"].(map[string]any)
	if diff := cmp.Diff([]float64{2, 3, 4}, numbers(output["values"])); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestQueryErrors(t *testing.T) {
	srv := newTestServer(t)
	setupQuickstart(t, srv)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"missing expression", "/v1/arrays/quickstart/queries", `{}`, 400},
		{"bad body", "/v1/arrays/quickstart/queries", `{"expression": 5}`, 400},
		{"unknown attribute", "/v1/arrays/quickstart/queries", `{"expression": "b"}`, 400},
		{"outside domain", "/v1/arrays/quickstart/queries", `{"expression": "a1", "subarray": [0, 10]}`, 400},
		{"unsupported node", "/v1/arrays/quickstart/queries", `{"expression": "-a1"}`, 422},
		{"output too small", "/v1/arrays/quickstart/queries", `{"expression": "a1", "outputCapacity": 4}`, 422},
		{"output too large", "/v1/arrays/quickstart/queries", `{"expression": "a1 + 1", "outputCapacity": 4611686018427387904}`, 400},
		{"unknown array", "/v1/arrays/nope/queries", `{"expression": "1"}`, 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, srv, "POST", tt.path, tt.body)
			if status != tt.status {
				t.Errorf("expected %d, got %d: %v", tt.status, status, body)
			}
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t)
	status, body := doJSON(t, srv, "GET", "/v1/nothing", "")
	if status != 404 || errorStatusOf(body) != "NOT_FOUND" {
		t.Errorf("expected 404 envelope, got %d %v", status, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	setupQuickstart(t, srv)
	doJSON(t, srv, "POST", "/v1/arrays/quickstart/queries", `{"expression": "a1"}`)

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), `cellexpr_queries_total{status="succeeded"} 1`) {
		t.Errorf("metrics output missing query counter:\n%s", data)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"quickstart.yaml": quickstart,
		"unnamed.yml":     strings.Replace(quickstart, "name: quickstart", "", 1),
		"broken.json":     `{"name": "broken"}`,
		"notes.txt":       "ignored",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.yaml"), 0o755); err != nil {
		t.Fatal(err)
	}

	srv := newTestServer(t)
	loaded, err := srv.LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded != 2 {
		t.Errorf("expected 2 arrays, got %d", loaded)
	}
	for _, name := range []string{"quickstart", "unnamed"} {
		if status, _ := doJSON(t, srv, "GET", "/v1/arrays/"+name, ""); status != 200 {
			t.Errorf("array %s: status %d", name, status)
		}
	}

	// Loading again skips existing arrays.
	loaded, err = srv.LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded != 0 {
		t.Errorf("expected no new arrays on reload, got %d", loaded)
	}

	if _, err := srv.LoadDir(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected an error for a missing directory")
	}
}
