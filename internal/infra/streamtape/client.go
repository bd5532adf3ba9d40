// Package streamtape uploads videos to Streamtape through its REST API.
package streamtape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const DefaultBaseURL = "https://api.streamtape.com"

type Client struct {
	BaseURL string
	Login   string
	Key     string
	HTTP    *http.Client
}

func NewClient(login, key string) *Client {
	return &Client{
		BaseURL: DefaultBaseURL,
		Login:   login,
		Key:     key,
		// uploads stream large files, so no overall timeout
		HTTP: &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 2 * time.Minute}},
	}
}

type apiResponse struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Result json.RawMessage `json:"result"`
}

type Folder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type File struct {
	Name   string `json:"name"`
	LinkID string `json:"linkid"`
}

type Listing struct {
	Folders []Folder `json:"folders"`
	Files   []File   `json:"files"`
}

func (c *Client) call(ctx context.Context, method, path string, params url.Values, out any) error {
	q := url.Values{"login": {c.Login}, "key": {c.Key}}
	for k, vs := range params {
		q[k] = vs
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, path, out)
}

func decode(resp *http.Response, what string, out any) error {
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("streamtape %s: http %d: %s", what, resp.StatusCode, bytes.TrimSpace(body))
	}
	var r apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("streamtape %s: %w", what, err)
	}
	if r.Status != http.StatusOK {
		return fmt.Errorf("streamtape %s: %d %s", what, r.Status, r.Msg)
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, out)
}

func (c *Client) ListFolder(ctx context.Context, folder string) (Listing, error) {
	params := url.Values{}
	if folder != "" {
		params.Set("folder", folder)
	}
	var l Listing
	err := c.call(ctx, http.MethodGet, "/file/listfolder", params, &l)
	return l, err
}

// CreateFolder creates name below parent. When a sibling already carries
// the name the new folder is called "<n> <name>" with the lowest free n.
func (c *Client) CreateFolder(ctx context.Context, name, parent string) (string, error) {
	l, err := c.ListFolder(ctx, parent)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(l.Folders))
	for _, f := range l.Folders {
		taken[f.Name] = true
	}
	final := name
	for i := 1; taken[final]; i++ {
		final = fmt.Sprintf("%d %s", i, name)
	}

	params := url.Values{"name": {final}}
	if parent != "" {
		params.Set("pid", parent)
	}
	var res struct {
		FolderID string `json:"folderid"`
	}
	if err := c.call(ctx, http.MethodPost, "/file/createfolder", params, &res); err != nil {
		return "", err
	}
	return res.FolderID, nil
}

func (c *Client) UploadURL(ctx context.Context, folder string) (string, error) {
	params := url.Values{}
	if folder != "" {
		params.Set("folder", folder)
	}
	var res struct {
		URL string `json:"url"`
	}
	if err := c.call(ctx, http.MethodGet, "/file/ul", params, &res); err != nil {
		return "", err
	}
	return res.URL, nil
}

// Upload posts body to an upload url and returns the new file id.
func (c *Client) Upload(ctx context.Context, uploadURL string, body io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, body)
	if err != nil {
		return "", err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := decode(resp, "upload", &raw); err != nil {
		return "", err
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("streamtape upload: %w", err)
	}
	return res.ID, nil
}

func (c *Client) Rename(ctx context.Context, fileID, name string) error {
	return c.call(ctx, http.MethodPost, "/file/rename", url.Values{"file": {fileID}, "name": {name}}, nil)
}
