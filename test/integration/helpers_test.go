// Package integration holds black-box tests against a running cellexpr
// server. Tests skip when no server answers at CELLEXPR_URL (default
// http://localhost:8787).
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// testServer holds the base URL of a running server instance for tests.
var testServer string

var (
	reachableOnce sync.Once
	reachable     bool
)

func init() {
	testServer = os.Getenv("CELLEXPR_URL")
	if testServer == "" {
		testServer = "http://localhost:8787"
	}
	// Ensure the URL has a scheme.
	if !strings.HasPrefix(testServer, "http://") && !strings.HasPrefix(testServer, "https://") {
		testServer = "http://" + testServer
	}
}

// requireServer skips the test when the server cannot be reached.
func requireServer(t *testing.T) {
	t.Helper()
	reachableOnce.Do(func() {
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(apiURL("arrays"))
		if err != nil {
			return
		}
		resp.Body.Close()
		reachable = resp.StatusCode == http.StatusOK
	})
	if !reachable {
		t.Skipf("no cellexpr server at %s", testServer)
	}
}

// apiURL builds a full URL for the given API path.
func apiURL(path string) string {
	return strings.TrimRight(testServer, "/") + "/v1/" + path
}

// call sends a request and decodes the JSON response body.
func call(t *testing.T, method, path, contentType string, body []byte) (int, map[string]interface{}) {
	t.Helper()

	req, err := http.NewRequest(method, apiURL(path), bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s HTTP error: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	var result map[string]interface{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			t.Fatalf("%s %s: invalid JSON %q: %v", method, path, string(data), err)
		}
	}
	return resp.StatusCode, result
}

func postJSON(t *testing.T, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	data, _ := json.Marshal(body)
	return call(t, http.MethodPost, path, "application/json", data)
}

// createArray registers a one-dimensional array with INT32 attributes over
// cells [0, cells-1] and deletes it when the test ends.
func createArray(t *testing.T, name string, cells int, attrs ...string) {
	t.Helper()

	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\ndimension:\n  name: d0\n  domain: [0, %d]\nattributes:\n", name, cells-1)
	for _, a := range attrs {
		fmt.Fprintf(&b, "  - name: %s\n    type: INT32\n", a)
	}

	status, result := call(t, http.MethodPost, "arrays", "application/yaml", []byte(b.String()))
	if status != http.StatusOK {
		t.Fatalf("createArray failed with status %d: %v", status, result)
	}
	t.Cleanup(func() {
		call(t, http.MethodDelete, "arrays/"+name, "", nil)
	})
}

// writeCells writes attribute values starting at cell 0.
func writeCells(t *testing.T, array string, values map[string][]int32) {
	t.Helper()
	status, result := postJSON(t, "arrays/"+array+"/cells", map[string]interface{}{
		"start":      0,
		"attributes": values,
	})
	if status != http.StatusOK {
		t.Fatalf("writeCells failed with status %d: %v", status, result)
	}
}

// runQuery runs expression over the whole array.
func runQuery(t *testing.T, array, expression string) (int, map[string]interface{}) {
	t.Helper()
	return postJSON(t, "arrays/"+array+"/queries", map[string]interface{}{
		"expression": expression,
	})
}

// outputValues extracts the output column of a query as float64s.
func outputValues(t *testing.T, query map[string]interface{}) []float64 {
	t.Helper()
	output, ok := query["output"].(map[string]interface{})
	if !ok {
		t.Fatalf("query has no output: %v", query)
	}
	list, _ := output["values"].([]interface{})
	values := make([]float64, len(list))
	for i, v := range list {
		values[i], _ = v.(float64)
	}
	return values
}

// uniqueID generates a unique array name for test isolation.
func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
