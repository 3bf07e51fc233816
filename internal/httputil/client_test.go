package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewStandardClient(t *testing.T) {
	custom := &http.Client{}
	if c := NewStandardClient(custom, 0); c.Client != custom {
		t.Error("expected custom client to be wrapped")
	}
	if c := NewStandardClient(nil, 5*time.Second); c.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", c.Timeout)
	}
}

func TestStandardClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPut, srv.URL, strings.NewReader("echo"))
	resp, err := NewStandardClient(nil, time.Second).Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()
	if err := CheckResponse(resp); err != nil {
		t.Fatalf("CheckResponse: %v", err)
	}
	if body, _ := io.ReadAll(resp.Body); string(body) != "echo" {
		t.Errorf("body = %q", body)
	}
}

func TestCheckResponse_StatusError(t *testing.T) {
	mock := NewMockHTTPClient().AddResponse(http.StatusForbidden, "  signature expired\n")
	req, _ := http.NewRequest(http.MethodGet, "https://blobs.example.com/scans/1.ply?sig=secret", nil)
	resp, err := mock.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	err = CheckResponse(resp)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusForbidden || se.Body != "signature expired" {
		t.Errorf("unexpected %+v", se)
	}
	if strings.Contains(se.Error(), "secret") {
		t.Errorf("error leaks the signature: %s", se.Error())
	}
}

func TestMockHTTPClient_Queue(t *testing.T) {
	mock := NewMockHTTPClient().
		AddResponse(http.StatusOK, "first").
		AddErrorResponse(errors.New("connection reset")).
		AddResponse(http.StatusNotFound, "")

	get := func() (*http.Response, error) {
		req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
		return mock.Do(req)
	}

	resp, err := get()
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("first: %v %v", resp, err)
	}
	if body, _ := io.ReadAll(resp.Body); string(body) != "first" {
		t.Errorf("body = %q", body)
	}
	if _, err := get(); err == nil || err.Error() != "connection reset" {
		t.Errorf("second: err = %v", err)
	}
	if resp, _ := get(); resp.StatusCode != http.StatusNotFound {
		t.Errorf("third: status = %d", resp.StatusCode)
	}
	if resp, _ := get(); resp.StatusCode != http.StatusOK {
		t.Errorf("exhausted queue: status = %d, want 200", resp.StatusCode)
	}
	if mock.RequestCount() != 4 {
		t.Errorf("RequestCount = %d", mock.RequestCount())
	}
	if mock.GetRequest(9) != nil {
		t.Error("GetRequest out of range should be nil")
	}
}

func TestMockHTTPClient_RecordsBodies(t *testing.T) {
	mock := NewMockHTTPClient()
	req, _ := http.NewRequest(http.MethodPut, "http://example.com/x", strings.NewReader("payload"))
	if _, err := mock.Do(req); err != nil {
		t.Fatal(err)
	}
	if string(mock.Bodies[0]) != "payload" {
		t.Errorf("body = %q", mock.Bodies[0])
	}
	if mock.GetRequest(0).Method != http.MethodPut {
		t.Error("request not recorded")
	}
}

func TestMockHTTPClient_DoFuncAndDefaultError(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.DefaultError = errors.New("offline")
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	if _, err := mock.Do(req); err == nil {
		t.Error("expected default error")
	}

	mock.DoFunc = func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusTeapot, Body: http.NoBody}, nil
	}
	resp, err := mock.Do(req)
	if err != nil || resp.StatusCode != http.StatusTeapot {
		t.Errorf("DoFunc not used: %v %v", resp, err)
	}
}
