package supprt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ============================================================================
// Request helper and error taxonomy
// ============================================================================

func TestClientErrors(t *testing.T) {
	t.Run("non-2xx maps to APIError with server message", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid public key"})
		}))
		defer server.Close()

		client := NewClient("pk_bad", WithBaseURL(server.URL))
		_, err := client.GetConversations(context.Background())
		if err == nil {
			t.Fatal("expected error")
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("error type = %T", err)
		}
		if apiErr.Status != 401 || apiErr.Message != "invalid public key" {
			t.Fatalf("apiErr = %+v", apiErr)
		}
	})

	t.Run("non-JSON error body falls back to status text", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "<html>gateway</html>", http.StatusBadGateway)
		}))
		defer server.Close()

		client := NewClient("pk", WithBaseURL(server.URL))
		_, err := client.GetConversations(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 502 {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("deadline maps to ErrTimeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer server.Close()

		client := NewClient("pk", WithBaseURL(server.URL), WithTimeout(20*time.Millisecond))
		_, err := client.GetConversations(context.Background())
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("err = %v, want ErrTimeout", err)
		}
	})

	t.Run("session token travels as bearer header", func(t *testing.T) {
		var got string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(map[string]any{"conversations": []Conversation{}})
		}))
		defer server.Close()

		client := NewClient("pk", WithBaseURL(server.URL))
		client.SetToken("tok-xyz")
		if _, err := client.GetConversations(context.Background()); err != nil {
			t.Fatalf("GetConversations: %v", err)
		}
		if got != "Bearer tok-xyz" {
			t.Fatalf("Authorization = %q", got)
		}
	})
}

// ============================================================================
// Init and fingerprint
// ============================================================================

func TestClientInit(t *testing.T) {
	initServer := func(t *testing.T, capture *map[string]any) *httptest.Server {
		t.Helper()
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/v1/widget/init" {
				http.NotFound(w, r)
				return
			}
			json.NewDecoder(r.Body).Decode(capture)
			json.NewEncoder(w).Encode(InitResponse{Token: "tok-1", EndUser: EndUser{ID: "eu-1"}})
		}))
	}

	t.Run("anonymous session sends a persistent fingerprint", func(t *testing.T) {
		var payload map[string]any
		server := initServer(t, &payload)
		defer server.Close()

		fpPath := filepath.Join(t.TempDir(), "fingerprint")
		client := NewClient("pk", WithBaseURL(server.URL), WithFingerprintPath(fpPath))

		if _, err := client.Init(context.Background(), nil); err != nil {
			t.Fatalf("Init: %v", err)
		}

		fp, ok := payload["fingerprint"].(string)
		if !ok || len(fp) != 32 {
			t.Fatalf("fingerprint = %v", payload["fingerprint"])
		}
		stored, err := os.ReadFile(fpPath)
		if err != nil {
			t.Fatalf("fingerprint not persisted: %v", err)
		}
		if string(stored) != fp {
			t.Fatal("persisted fingerprint differs from the one sent")
		}

		// A second init reuses the same identity.
		client2 := NewClient("pk", WithBaseURL(server.URL), WithFingerprintPath(fpPath))
		if _, err := client2.Init(context.Background(), nil); err != nil {
			t.Fatalf("second Init: %v", err)
		}
		if payload["fingerprint"] != fp {
			t.Fatalf("second init sent %v, want %s", payload["fingerprint"], fp)
		}
	})

	t.Run("identified session sends the user instead", func(t *testing.T) {
		var payload map[string]any
		server := initServer(t, &payload)
		defer server.Close()

		client := NewClient("pk", WithBaseURL(server.URL), WithFingerprintPath(filepath.Join(t.TempDir(), "fp")))
		_, err := client.Init(context.Background(), &UserIdentity{ID: "u-1", Email: "a@b.c"})
		if err != nil {
			t.Fatalf("Init: %v", err)
		}
		if _, ok := payload["fingerprint"]; ok {
			t.Fatal("identified init must not send a fingerprint")
		}
		user, ok := payload["user"].(map[string]any)
		if !ok || user["id"] != "u-1" {
			t.Fatalf("user = %v", payload["user"])
		}
	})

	t.Run("token is stored for subsequent calls", func(t *testing.T) {
		var payload map[string]any
		server := initServer(t, &payload)
		defer server.Close()

		client := NewClient("pk", WithBaseURL(server.URL), WithFingerprintPath(filepath.Join(t.TempDir(), "fp")))
		if _, err := client.Init(context.Background(), &UserIdentity{ID: "u-1"}); err != nil {
			t.Fatalf("Init: %v", err)
		}
		if client.Token() != "tok-1" {
			t.Fatalf("token = %q", client.Token())
		}
	})
}

// ============================================================================
// Pagination query
// ============================================================================

func TestGetConversationQuery(t *testing.T) {
	var gotQuery map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		json.NewEncoder(w).Encode(ConversationPage{})
	}))
	defer server.Close()

	client := NewClient("pk", WithBaseURL(server.URL))

	if _, err := client.GetConversation(context.Background(), "c1", &PageOptions{Limit: 25, Before: "m10"}); err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got := gotQuery["limit"]; len(got) != 1 || got[0] != "25" {
		t.Errorf("limit = %v", got)
	}
	if got := gotQuery["before"]; len(got) != 1 || got[0] != "m10" {
		t.Errorf("before = %v", got)
	}

	if _, err := client.GetConversation(context.Background(), "c1", nil); err != nil {
		t.Fatalf("GetConversation without opts: %v", err)
	}
	if len(gotQuery) != 0 {
		t.Errorf("expected no query params, got %v", gotQuery)
	}
}

// ============================================================================
// File upload
// ============================================================================

func TestUploadFile(t *testing.T) {
	t.Run("puts raw bytes and reports progress", func(t *testing.T) {
		var gotBody []byte
		var gotContentType string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotContentType = r.Header.Get("Content-Type")
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := NewClient("pk")
		data := []byte("file contents")

		var uploaded, total int64
		err := client.UploadFile(context.Background(), server.URL+"/signed", "image/png", data, func(u, t int64) {
			uploaded, total = u, t
		})
		if err != nil {
			t.Fatalf("UploadFile: %v", err)
		}
		if string(gotBody) != "file contents" {
			t.Fatalf("body = %q", gotBody)
		}
		if gotContentType != "image/png" {
			t.Fatalf("content type = %q", gotContentType)
		}
		if uploaded != int64(len(data)) || total != int64(len(data)) {
			t.Fatalf("progress = %d/%d", uploaded, total)
		}
	})

	t.Run("rejected upload surfaces an APIError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		client := NewClient("pk")
		err := client.UploadFile(context.Background(), server.URL, "text/plain", []byte("x"), nil)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 403 {
			t.Fatalf("err = %v", err)
		}
	})
}
