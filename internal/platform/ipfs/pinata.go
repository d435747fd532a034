package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultPinataBaseURL = "https://api.pinata.cloud"
	DefaultGateway       = "https://gateway.pinata.cloud/ipfs/"
)

// PinataConfig holds the Pinata API credentials and endpoints.
type PinataConfig struct {
	APIKey    string
	SecretKey string
	BaseURL   string
	Gateway   string
	Timeout   time.Duration
}

// PinataOption configures a PinataClient.
type PinataOption func(*PinataClient)

// WithHTTPClient overrides the HTTP client used for API and gateway calls.
func WithHTTPClient(c *http.Client) PinataOption {
	return func(p *PinataClient) { p.httpClient = c }
}

// PinataClient pins content through the Pinata pinning API.
type PinataClient struct {
	cfg        PinataConfig
	httpClient *http.Client
}

func NewPinataClient(cfg PinataConfig, opts ...PinataOption) *PinataClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPinataBaseURL
	}
	if cfg.Gateway == "" {
		cfg.Gateway = DefaultGateway
	}
	if !strings.HasSuffix(cfg.Gateway, "/") {
		cfg.Gateway += "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	p := &PinataClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

type errorResponse struct {
	Error interface{} `json:"error"`
}

func (p *PinataClient) authorize(req *http.Request) {
	req.Header.Set("pinata_api_key", p.cfg.APIKey)
	req.Header.Set("pinata_secret_api_key", p.cfg.SecretKey)
}

// Pin uploads data as a file named name (pinFileToIPFS).
func (p *PinataClient) Pin(ctx context.Context, data []byte, name string) (*Pin, error) {
	if name == "" {
		name = "file"
	}
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, errors.Wrap(err, "create form file")
	}
	if _, err := part.Write(data); err != nil {
		return nil, errors.Wrap(err, "write form file")
	}
	meta, _ := json.Marshal(map[string]string{"name": name})
	if err := w.WriteField("pinataMetadata", string(meta)); err != nil {
		return nil, errors.Wrap(err, "write pinata metadata")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "close multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/pinning/pinFileToIPFS", &body)
	if err != nil {
		return nil, errors.Wrap(err, "build pin request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return p.doPin(req)
}

// PinJSON pins v as JSON content (pinJSONToIPFS).
func (p *PinataClient) PinJSON(ctx context.Context, v interface{}, name string) (*Pin, error) {
	payload := map[string]interface{}{"pinataContent": v}
	if name != "" {
		payload["pinataMetadata"] = map[string]string{"name": name}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal pin payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/pinning/pinJSONToIPFS", bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "build pin request")
	}
	req.Header.Set("Content-Type", "application/json")
	return p.doPin(req)
}

func (p *PinataClient) doPin(req *http.Request) (*Pin, error) {
	p.authorize(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "pinata request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.responseError(resp)
	}

	var pr pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, errors.Wrap(err, "decode pin response")
	}
	if pr.IpfsHash == "" {
		return nil, errors.New("pinata response carried no IpfsHash")
	}

	pin := &Pin{CID: pr.IpfsHash, Size: pr.PinSize, URL: p.GatewayURL(pr.IpfsHash)}
	if ts, err := time.Parse(time.RFC3339, pr.Timestamp); err == nil {
		pin.Timestamp = ts
	}
	return pin, nil
}

func (p *PinataClient) responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != nil {
		return errors.Errorf("pinata returned %d: %v", resp.StatusCode, er.Error)
	}
	return errors.Errorf("pinata returned %d", resp.StatusCode)
}

// Unpin removes a pin.
func (p *PinataClient) Unpin(ctx context.Context, cid string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.cfg.BaseURL+"/pinning/unpin/"+cid, nil)
	if err != nil {
		return errors.Wrap(err, "build unpin request")
	}
	p.authorize(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "pinata request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotPinned
	}
	if resp.StatusCode != http.StatusOK {
		return p.responseError(resp)
	}
	return nil
}

// Verify issues a HEAD request for cid against the gateway. A non-200
// answer is reported as inaccessible, not as an error.
func (p *PinataClient) Verify(ctx context.Context, cid string) (*Verification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.GatewayURL(cid), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build verify request")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "gateway request")
	}
	defer resp.Body.Close()

	v := &Verification{CID: cid, StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusOK {
		v.Accessible = true
		v.ContentType = resp.Header.Get("Content-Type")
		v.ContentLength, _ = strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	}
	return v, nil
}

// TestAuthentication checks the configured credentials.
func (p *PinataClient) TestAuthentication(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/data/testAuthentication", nil)
	if err != nil {
		return errors.Wrap(err, "build auth request")
	}
	p.authorize(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "pinata request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pinata authentication failed: status %d", resp.StatusCode)
	}
	return nil
}

func (p *PinataClient) GatewayURL(cid string) string {
	if cid == "" {
		return ""
	}
	return p.cfg.Gateway + cid
}
