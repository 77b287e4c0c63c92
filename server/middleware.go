package server

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// corsConfig holds CORS configuration.
type corsConfig struct {
	allowedOrigins []string
	permissive     bool // true for dev mode (allow all)
}

func loadCORSConfig() *corsConfig {
	mode := strings.ToLower(os.Getenv("ENV"))
	permissive := mode == "" || mode == "dev" || mode == "development"
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		permissive = v == "1" || v == "true"
	}

	var allowedOrigins []string
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowedOrigins = append(allowedOrigins, origin)
		}
	}
	if !permissive && len(allowedOrigins) == 0 {
		slog.Warn("CORS restricted mode enabled but no CORS_ALLOWED_ORIGINS configured - all CORS requests will be blocked")
	}
	return &corsConfig{allowedOrigins: allowedOrigins, permissive: permissive}
}

// withCORS wraps a handler with CORS headers based on environment config.
func withCORS(next http.Handler) http.Handler {
	cfg := loadCORSConfig()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if cfg.permissive {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
		} else if origin != "" && originAllowed(origin, cfg.allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if origin == a {
			return true
		}
		// Wildcard subdomains ("*.example.com").
		if strings.HasPrefix(a, "*.") {
			domain := a[2:]
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}
