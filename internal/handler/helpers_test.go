package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/neuralsieve/relay/internal/model"
)

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusTeapot, map[string]string{"hello": "world"})

	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusTeapot)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, http.StatusBadRequest, "bad input")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}

	var resp model.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != http.StatusBadRequest {
		t.Errorf("error code = %d, want 400", resp.Error.Code)
	}
	if resp.Error.Message != "bad input" {
		t.Errorf("error message = %q", resp.Error.Message)
	}
}

func TestReadJSON(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"content":"abc"}`))
	var body model.CaptureRequest
	if err := readJSON(req, &body); err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if body.Content != "abc" {
		t.Errorf("Content = %q, want abc", body.Content)
	}

	req = httptest.NewRequest("POST", "/", strings.NewReader(`{not json`))
	if err := readJSON(req, &body); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		url  string
		want int
	}{
		{"/?limit=50", 50},
		{"/?limit=abc", 100},
		{"/", 100},
		{"/?limit=-3", -3},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.url, nil)
		if got := queryInt(req, "limit", 100); got != tt.want {
			t.Errorf("queryInt(%q) = %d, want %d", tt.url, got, tt.want)
		}
	}
}

func TestClampInt(t *testing.T) {
	tests := []struct {
		val, min, max, want int
	}{
		{5, 1, 10, 5},
		{0, 1, 10, 1},
		{11, 1, 10, 10},
		{-100, 1, 500, 1},
	}

	for _, tt := range tests {
		if got := clampInt(tt.val, tt.min, tt.max); got != tt.want {
			t.Errorf("clampInt(%d, %d, %d) = %d, want %d", tt.val, tt.min, tt.max, got, tt.want)
		}
	}
}
