package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/mrmushfiq/llm0-gateway/internal/core/admission"
	"github.com/mrmushfiq/llm0-gateway/internal/core/errs"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

type ctxKey int

const (
	ctxKeyAdmission ctxKey = iota
	ctxKeyModel
)

// Middleware holds the admission gate shared by every relay route group.
// Rate limiting is no longer a separate middleware: it is folded into
// admission.Admitter.Admit (spec.md §4.2 step 7), which is the only place
// that can see the key's quota configuration alongside its other gates.
type Middleware struct {
	adm *admission.Admitter
}

// NewMiddleware constructs a Middleware.
func NewMiddleware(adm *admission.Admitter) *Middleware {
	return &Middleware{adm: adm}
}

// Auth returns the AuthMiddleware for one platform's route group. It reads
// the bearer secret and peeks the request body for "model" without
// consuming it, then runs the full admission chain before handing off.
func (m *Middleware) Auth(platform models.Platform) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			secret := strings.TrimPrefix(authHeader, "Bearer ")
			if secret == "" || secret == authHeader {
				writeError(w, errs.New(errs.Unauthorized, "missing or malformed authorization header"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, errs.New(errs.MalformedRequest, "failed to read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			var peek struct {
				Model string `json:"model"`
			}
			_ = json.Unmarshal(body, &peek) // malformed JSON surfaces again at the handler's full decode

			result, err := m.adm.Admit(r.Context(), secret, admission.Request{
				Platform: platform,
				Model:    peek.Model,
				Client:   r.Header.Get("User-Agent"),
				ClientIP: clientIP(r),
			})
			if err != nil {
				writeError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyAdmission, result)
			ctx = context.WithValue(ctx, ctxKeyModel, peek.Model)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError maps an *errs.Error (or any other error) to the HTTP response
// spec.md §7 requires: a JSON body naming the error kind, status code per
// errs.HTTPStatus.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.InternalError
	message := "internal error"
	if e, ok := errs.As(err); ok {
		kind = e.Kind
		message = e.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(kind))
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"kind":  string(kind),
	})
}
