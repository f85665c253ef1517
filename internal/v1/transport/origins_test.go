package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"http://localhost:3000", "https://chat.example.com"}

	tests := []struct {
		name    string
		origin  string
		allowed []string
		wantOK  bool
	}{
		{"no origin header", "", allowed, true},
		{"exact match", "http://localhost:3000", allowed, true},
		{"second entry matches", "https://chat.example.com", allowed, true},
		{"scheme mismatch", "https://localhost:3000", allowed, false},
		{"host mismatch", "http://evil.example.com", allowed, false},
		{"port mismatch", "http://localhost:9999", allowed, false},
		{"malformed origin", "://bad", allowed, false},
		{"empty allow list", "http://localhost:3000", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}

			err := validateOrigin(r, tt.allowed)

			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestServeWs_RejectsDisallowedOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newHubFixture(t, nil)
	f.hub.allowedOrigins = []string{"http://localhost:3000"}
	router := gin.New()
	router.GET("/ws", f.hub.ServeWs)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"origin not allowed"}`, w.Body.String())
}

func TestServeWs_RejectsNonWebSocketRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newHubFixture(t, nil)
	router := gin.New()
	router.GET("/ws", f.hub.ServeWs)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
