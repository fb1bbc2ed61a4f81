package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantOrigin string
		wantCreds  string
		wantStatus int
	}{
		{"explicit origin", []string{"http://app.test"}, "http://app.test", http.MethodGet, "http://app.test", "true", http.StatusTeapot},
		{"wildcard", []string{"*"}, "http://any.test", http.MethodGet, "http://any.test", "", http.StatusTeapot},
		{"rejected origin", []string{"http://app.test"}, "http://evil.test", http.MethodGet, "", "", http.StatusTeapot},
		{"no origin", []string{"*"}, "", http.MethodGet, "", "", http.StatusTeapot},
		{"preflight", []string{"http://app.test"}, "http://app.test", http.MethodOptions, "http://app.test", "true", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/stats", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			CORS(tt.allowed)(next).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Errorf("Allow-Credentials = %q, want %q", got, tt.wantCreds)
			}
		})
	}
}
