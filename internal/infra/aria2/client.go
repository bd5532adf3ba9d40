// Package aria2 drives an aria2 daemon over its JSON-RPC interface.
package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type Client struct {
	RPCURL string
	Secret string
	HTTP   *http.Client
}

func NewClient(rpcURL, secret string) *Client {
	return &Client{
		RPCURL: rpcURL,
		Secret: secret,
		HTTP:   &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      string `json:"id"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("aria2 rpc error %d: %s", e.Code, e.Message)
}

// Call invokes method and decodes the result into out, which may be nil.
func (c *Client) Call(ctx context.Context, out any, method string, params ...any) error {
	// the secret token goes first
	all := make([]any, 0, len(params)+1)
	if c.Secret != "" {
		all = append(all, "token:"+c.Secret)
	}
	all = append(all, params...)

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, ID: "mirrorq", Params: all})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RPCURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func (c *Client) AddURI(ctx context.Context, uri string, opts map[string]string) (string, error) {
	var gid string
	if err := c.Call(ctx, &gid, "aria2.addUri", []string{uri}, opts); err != nil {
		return "", err
	}
	return gid, nil
}

type File struct {
	Path string `json:"path"`
}

type Status struct {
	GID             string   `json:"gid"`
	Status          string   `json:"status"`
	Dir             string   `json:"dir"`
	TotalLength     string   `json:"totalLength"`
	CompletedLength string   `json:"completedLength"`
	DownloadSpeed   string   `json:"downloadSpeed"`
	ErrorMessage    string   `json:"errorMessage"`
	FollowedBy      []string `json:"followedBy"`
	Files           []File   `json:"files"`
}

var statusKeys = []string{
	"gid", "status", "dir", "totalLength", "completedLength", "downloadSpeed",
	"errorMessage", "followedBy", "files",
}

func (c *Client) TellStatus(ctx context.Context, gid string) (Status, error) {
	var st Status
	err := c.Call(ctx, &st, "aria2.tellStatus", gid, statusKeys)
	return st, err
}

func (c *Client) ForceRemove(ctx context.Context, gid string) error {
	return c.Call(ctx, nil, "aria2.forceRemove", gid)
}

// RemoveDownloadResult drops a stopped download from aria2's memory.
func (c *Client) RemoveDownloadResult(ctx context.Context, gid string) error {
	return c.Call(ctx, nil, "aria2.removeDownloadResult", gid)
}

func atoi(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
