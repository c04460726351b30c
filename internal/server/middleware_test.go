package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireBearer(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		header         string
		expectedStatus int
	}{
		{"Valid token", "/Orders", "Bearer secret", http.StatusOK},
		{"Missing header", "/Orders", "", http.StatusUnauthorized},
		{"Wrong scheme", "/Orders", "Basic secret", http.StatusUnauthorized},
		{"Wrong token", "/Orders", "Bearer nope", http.StatusUnauthorized},
		{"Health is public", "/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			RequireBearer("secret")(ok()).ServeHTTP(rr, req)
			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
		})
	}
}

func TestRequireJWT(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	valid, err := NewToken(secret, "jsdoctl", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, err := NewToken(secret, "jsdoctl", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	other, err := NewToken([]byte("fedcba9876543210fedcba9876543210"), "jsdoctl", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "jsdoctl"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name           string
		path           string
		header         string
		expectedStatus int
	}{
		{"Valid token", "/Orders", "Bearer " + valid, http.StatusOK},
		{"Missing header", "/Orders", "", http.StatusUnauthorized},
		{"Wrong scheme", "/Orders", "Basic " + valid, http.StatusUnauthorized},
		{"Expired", "/Orders", "Bearer " + expired, http.StatusUnauthorized},
		{"Other secret", "/Orders", "Bearer " + other, http.StatusUnauthorized},
		{"No subject", "/Orders", "Bearer " + noSub, http.StatusUnauthorized},
		{"Unsigned", "/Orders", "Bearer " + unsigned, http.StatusUnauthorized},
		{"Garbage", "/Orders", "Bearer secret", http.StatusUnauthorized},
		{"Health is public", "/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			RequireJWT(secret)(ok()).ServeHTTP(rr, req)
			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
		})
	}
}

func TestNewTokenShortSecret(t *testing.T) {
	if _, err := NewToken([]byte("short"), "jsdoctl", time.Hour); err == nil {
		t.Fatal("expected an error for a short secret")
	}
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(NewLimiter(1, time.Hour, 2))(ok())
	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest("GET", "/Orders", http.NoBody)
		req.RemoteAddr = "10.0.0.1:1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
		if rr.Code == http.StatusTooManyRequests && rr.Header().Get("Retry-After") == "" {
			t.Error("missing Retry-After")
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected statuses %v", codes)
	}

	// Other clients have their own bucket.
	req := httptest.NewRequest("GET", "/Orders", http.NoBody)
	req.RemoteAddr = "10.0.0.2:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 for another client, got %d", rr.Code)
	}
}

func TestLogRequests(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := LogRequests(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("DELETE", "/Orders", http.NoBody))
	if out := buf.String(); !strings.Contains(out, "status=418") || !strings.Contains(out, "method=DELETE") {
		t.Errorf("unexpected log %q", out)
	}
}
