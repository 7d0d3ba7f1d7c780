package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

var httpClient = &http.Client{Timeout: 120 * time.Second}

// apiCall performs one request against the server and decodes the JSON
// response into out (unless --json, in which case the raw body is printed
// and out is left alone).
func apiCall(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(payload))
	}

	if jsonOut {
		var indented bytes.Buffer
		if err := json.Indent(&indented, payload, "", "  "); err == nil {
			payload = indented.Bytes()
		}
		fmt.Fprintln(os.Stdout, string(payload))
		return nil
	}

	if out != nil {
		return json.Unmarshal(payload, out)
	}
	return nil
}
