package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/gwicho38/lsh/internal/domain"
)

// DefaultIPFSAPIURL is the local daemon API base.
const DefaultIPFSAPIURL = "http://127.0.0.1:5001"

// maxPayloadBytes bounds how much a download will read. Bundles are
// small; anything larger is a misdirected CID.
const maxPayloadBytes = 16 << 20

// ipfsClient talks to a local IPFS daemon over its HTTP API. The base
// URL is injectable so tests can point it at an httptest server.
type ipfsClient struct {
	baseURL string
	http    *http.Client
}

func newIPFSClient(baseURL string, httpClient *http.Client) *ipfsClient {
	if baseURL == "" {
		baseURL = DefaultIPFSAPIURL
	}
	return &ipfsClient{baseURL: baseURL, http: httpClient}
}

// Available reports whether the daemon answers /api/v0/version.
func (c *ipfsClient) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v0/version", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPayloadBytes))
	return resp.StatusCode == http.StatusOK
}

// Add uploads data and returns the daemon-assigned CID.
func (c *ipfsClient) Add(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", domain.WrapErr(domain.KindNetworkUnavailable, err, "failed to build upload request")
	}
	if _, err := part.Write(data); err != nil {
		return "", domain.WrapErr(domain.KindNetworkUnavailable, err, "failed to build upload request")
	}
	if err := writer.Close(); err != nil {
		return "", domain.WrapErr(domain.KindNetworkUnavailable, err, "failed to build upload request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v0/add", &body)
	if err != nil {
		return "", domain.WrapErr(domain.KindNetworkUnavailable, err, "failed to build upload request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", domain.WrapErr(domain.KindNetworkUnavailable, err, "IPFS add failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", domain.E(domain.KindNetworkUnavailable, "IPFS add returned status %d", resp.StatusCode)
	}

	var result struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPayloadBytes)).Decode(&result); err != nil {
		return "", domain.WrapErr(domain.KindNetworkUnavailable, err, "failed to decode IPFS add response")
	}
	if result.Hash == "" {
		return "", domain.E(domain.KindNetworkUnavailable, "IPFS add response carried no hash")
	}
	return result.Hash, nil
}

// Cat downloads the payload behind a CID.
func (c *ipfsClient) Cat(ctx context.Context, cid string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/api/v0/cat?arg=%s", c.baseURL, url.QueryEscape(cid))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, domain.WrapErr(domain.KindNetworkUnavailable, err, "failed to build download request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.WrapErr(domain.KindNetworkUnavailable, err, "IPFS cat failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, domain.E(domain.KindNetworkUnavailable, "IPFS cat returned status %d", resp.StatusCode)
	}
	data, err := readAllLimited(resp.Body)
	if err != nil {
		return nil, domain.WrapErr(domain.KindNetworkUnavailable, err, "failed to read IPFS cat response")
	}
	return data, nil
}

// readAllLimited reads a response body up to the payload bound.
func readAllLimited(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxPayloadBytes))
}
