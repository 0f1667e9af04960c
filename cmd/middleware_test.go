package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"strideBack/utils"
)

func TestAdminOnly(t *testing.T) {
	tokens, err := utils.NewManager("secret")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	app := &application{logger: zap.NewNop().Sugar(), tokens: tokens}
	handler := app.adminOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	admin, _ := tokens.NewJWT("ops", "admin", time.Hour)
	viewer, _ := tokens.NewJWT("ops", "viewer", time.Hour)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer " + viewer, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusTeapot},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/deliveries", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestRequireToken(t *testing.T) {
	tokens, err := utils.NewManager("secret")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	foreign, err := utils.NewManager("other-secret")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	app := &application{logger: zap.NewNop().Sugar(), tokens: tokens}
	handler := app.requireToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	user, _ := tokens.NewJWT("client", "user", time.Hour)
	admin, _ := tokens.NewJWT("ops", "admin", time.Hour)
	forged, _ := foreign.NewJWT("client", "user", time.Hour)

	cases := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"refund without token", http.MethodPost, "/refunds/1000", "", http.StatusUnauthorized},
		{"refresh with basic auth", http.MethodPost, "/entitlement/refresh", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"history refresh with foreign token", http.MethodPost, "/history/refresh", "Bearer " + forged, http.StatusUnauthorized},
		{"history clear with user token", http.MethodDelete, "/history", "Bearer " + user, http.StatusTeapot},
		{"refund with admin token", http.MethodPost, "/refunds/1000", "Bearer " + admin, http.StatusTeapot},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestRecoverPanic(t *testing.T) {
	app := &application{logger: zap.NewNop().Sugar()}
	handler := app.recoverPanic(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
