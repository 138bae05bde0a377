// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ztf-alerts/alertwatcher/pkg/util/log"
)

type contextKey string

const userIDKey contextKey = "user_id"

// UserID returns the authenticated user id bound by the auth middleware.
func UserID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// Auth validates the JWT carried in the Authorization header. The token
// may be sent bare or with a "Bearer " prefix. A missing token is a 401,
// a token that fails validation is a 400.
func (s *Server) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
			raw = strings.TrimSpace(raw[7:])
		}
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(s.jwtSecret), nil
		}, jwt.WithValidMethods([]string{s.jwtAlgorithm}))
		if err != nil {
			log.Debugf("api: token rejected: %v", err)
			writeError(w, http.StatusBadRequest, "invalid token")
			return
		}

		userID, _ := claims["user_id"].(string)
		if userID == "" {
			writeError(w, http.StatusBadRequest, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly rejects authenticated users other than the admin with a 403.
// It must be stacked after Auth.
func (s *Server) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserID(r) != s.adminUsername {
			writeError(w, http.StatusForbidden, "must be admin to do that")
			return
		}
		next.ServeHTTP(w, r)
	})
}
