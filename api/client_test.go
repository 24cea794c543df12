package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempMedia(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("fake media"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtract(t *testing.T) {
	var gotLanguage, gotFilename string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extract-audio" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotLanguage = r.FormValue("language")
		if fhs := r.MultipartForm.File["file"]; len(fhs) == 1 {
			gotFilename = fhs[0].Filename
		}
		w.Write([]byte(`{"text":"hallo welt"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	text, err := c.Extract(context.Background(), writeTempMedia(t, "clip.mp4"), "de-DE")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "hallo welt" {
		t.Errorf("expected text, got %q", text)
	}
	if gotLanguage != "de-DE" {
		t.Errorf("expected language de-DE, got %q", gotLanguage)
	}
	if gotFilename != "clip.mp4" {
		t.Errorf("expected filename clip.mp4, got %q", gotFilename)
	}
}

func TestExtractDefaultsLanguage(t *testing.T) {
	var gotLanguage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		gotLanguage = r.FormValue("language")
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.Extract(context.Background(), writeTempMedia(t, "clip.mov"), ""); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if gotLanguage != DefaultLanguage {
		t.Errorf("expected default language %s, got %q", DefaultLanguage, gotLanguage)
	}
}

func TestExtractRejectsUnsupportedExtension(t *testing.T) {
	c := NewClient("http://localhost:1")
	_, err := c.Extract(context.Background(), writeTempMedia(t, "notes.txt"), "en-US")
	if err == nil {
		t.Fatal("expected error for unsupported extension")
	}
	if !strings.Contains(err.Error(), "unsupported file format") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExtractSurfacesBackendDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"No audio track found in the video file."}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Extract(context.Background(), writeTempMedia(t, "clip.avi"), "en-US")
	if err == nil {
		t.Fatal("expected backend error")
	}
	if !strings.Contains(err.Error(), "No audio track found") {
		t.Errorf("expected detail message, got %v", err)
	}
}

func TestClearDebug(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/debug/clear" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		called = true
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.ClearDebug(context.Background()); err != nil {
		t.Fatalf("clear debug: %v", err)
	}
	if !called {
		t.Error("expected reset endpoint to be called")
	}
}

func TestClearDebugStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.ClearDebug(context.Background()); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}
