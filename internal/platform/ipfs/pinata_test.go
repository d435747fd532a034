package ipfs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newPinataServer(t *testing.T, handler http.HandlerFunc) (*PinataClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewPinataClient(PinataConfig{
		APIKey:    "key",
		SecretKey: "secret",
		BaseURL:   srv.URL,
		Gateway:   srv.URL + "/ipfs",
		Timeout:   5 * time.Second,
	})
	return client, srv
}

func TestPinataClient_PinJSON(t *testing.T) {
	client, _ := newPinataServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pinning/pinJSONToIPFS" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("pinata_api_key") != "key" || r.Header.Get("pinata_secret_api_key") != "secret" {
			t.Error("expected pinata credentials in headers")
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if _, ok := body["pinataContent"]; !ok {
			t.Error("expected pinataContent in payload")
		}
		meta, _ := body["pinataMetadata"].(map[string]interface{})
		if meta["name"] != "record-1" {
			t.Errorf("expected pinataMetadata.name record-1, got %v", meta["name"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"IpfsHash":"QmTestHash","PinSize":42,"Timestamp":"2024-05-01T10:00:00Z"}`))
	})

	pin, err := client.PinJSON(context.Background(), map[string]string{"a": "b"}, "record-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pin.CID != "QmTestHash" {
		t.Errorf("expected QmTestHash, got %s", pin.CID)
	}
	if pin.Size != 42 {
		t.Errorf("expected size 42, got %d", pin.Size)
	}
	if !strings.HasSuffix(pin.URL, "/ipfs/QmTestHash") {
		t.Errorf("unexpected gateway url %s", pin.URL)
	}
	if pin.Timestamp.IsZero() {
		t.Error("expected parsed timestamp")
	}
}

func TestPinataClient_PinFile(t *testing.T) {
	client, _ := newPinataServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pinning/pinFileToIPFS" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("expected multipart file: %v", err)
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "scan-bytes" {
			t.Errorf("unexpected file content %q", data)
		}
		if header.Filename != "scan.pdf" {
			t.Errorf("unexpected filename %s", header.Filename)
		}
		w.Write([]byte(`{"IpfsHash":"QmFile","PinSize":10}`))
	})

	pin, err := client.Pin(context.Background(), []byte("scan-bytes"), "scan.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pin.CID != "QmFile" {
		t.Errorf("expected QmFile, got %s", pin.CID)
	}
}

func TestPinataClient_PinError(t *testing.T) {
	client, _ := newPinataServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Invalid API key"}`))
	})

	_, err := client.PinJSON(context.Background(), map[string]string{}, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "Invalid API key") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestPinataClient_Verify(t *testing.T) {
	client, _ := newPinataServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		if r.URL.Path == "/ipfs/QmMissing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Length", "128")
		w.WriteHeader(http.StatusOK)
	})

	v, err := client.Verify(context.Background(), "QmPresent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Accessible || v.ContentType != "application/pdf" || v.ContentLength != 128 {
		t.Errorf("unexpected verification: %+v", v)
	}

	v, err = client.Verify(context.Background(), "QmMissing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Accessible {
		t.Error("expected missing cid to be inaccessible")
	}
}

func TestPinataClient_Unpin(t *testing.T) {
	client, _ := newPinataServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		if r.URL.Path == "/pinning/unpin/QmGone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := client.Unpin(context.Background(), "QmHash"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := client.Unpin(context.Background(), "QmGone"); err != ErrNotPinned {
		t.Errorf("expected ErrNotPinned, got %v", err)
	}
}

func TestPinataClient_GatewayURL(t *testing.T) {
	client := NewPinataClient(PinataConfig{Gateway: "https://gw.example/ipfs"})
	if got := client.GatewayURL("QmX"); got != "https://gw.example/ipfs/QmX" {
		t.Errorf("unexpected url %s", got)
	}
	if got := client.GatewayURL(""); got != "" {
		t.Errorf("expected empty url, got %s", got)
	}
}
