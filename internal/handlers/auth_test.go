package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/firewatch/firewatch/internal/middleware"
)

func setupAuthTest(t *testing.T) *http.ServeMux {
	t.Helper()
	hash, err := middleware.HashPassword("dispatch-desk")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	jwtAuth := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     "chief",
		AdminPasswordHash: hash,
		JWTSecret:         "test-secret",
		JWTExpiryHours:    1,
	})

	mux := http.NewServeMux()
	NewAuthHandler(jwtAuth).SetupRoutes(mux)
	return mux
}

func login(t *testing.T, mux *http.ServeMux, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	payload, _ := json.Marshal(LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest("POST", "/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestLoginSuccess(t *testing.T) {
	mux := setupAuthTest(t)

	w := login(t, mux, "chief", "dispatch-desk")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var resp LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token == "" {
		t.Error("no token issued")
	}
	if resp.Username != "chief" {
		t.Errorf("username = %q", resp.Username)
	}

	// The issued token verifies
	req := httptest.NewRequest("GET", "/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("verify status = %d", rec.Code)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	mux := setupAuthTest(t)

	w := login(t, mux, "chief", "wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestLoginWrongUsername(t *testing.T) {
	mux := setupAuthTest(t)

	w := login(t, mux, "deputy", "dispatch-desk")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestLoginMissingFields(t *testing.T) {
	mux := setupAuthTest(t)

	w := login(t, mux, "chief", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestVerifyRejectsGarbageToken(t *testing.T) {
	mux := setupAuthTest(t)

	req := httptest.NewRequest("GET", "/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestVerifyMissingToken(t *testing.T) {
	mux := setupAuthTest(t)

	req := httptest.NewRequest("GET", "/auth/verify", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}
