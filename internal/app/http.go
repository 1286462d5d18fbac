package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gocv.io/x/gocv"

	"github.com/dudu/facelive/internal/frame"
	"github.com/dudu/facelive/internal/health"
	"github.com/dudu/facelive/internal/reference"
)

// maxReferenceBytes caps an uploaded reference image.
const maxReferenceBytes = 16 << 20

// Handler returns the HTTP API: /metrics, the health endpoints and
// POST /reference.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	h := health.New(
		func() any { return a.pipe.Stats() },
		health.Check{Name: "pipeline", Fn: func(context.Context) error { return a.pipe.Ready() }},
		health.Check{Name: "reference", Fn: func(context.Context) error {
			if a.refs.Current() == nil {
				return errors.New("no reference face")
			}
			return nil
		}},
	)
	h.Register(mux)

	mux.HandleFunc("POST /reference", a.handleReference)
	return mux
}

// handleReference replaces the reference with the face in the uploaded
// image. The previous reference stays active on failure.
func (a *App) handleReference(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReferenceBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	img, err := gocv.IMDecode(body, gocv.IMReadColor)
	if err != nil || img.Empty() {
		if err == nil {
			img.Close()
		}
		http.Error(w, "body is not a decodable image", http.StatusBadRequest)
		return
	}
	f, err := frame.FromMat(0, time.Now(), img)
	img.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch err := a.refs.SetReference(r.Context(), f); {
	case errors.Is(err, reference.ErrNoFaceFound):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *App) serveHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	a.log.Info("serving metrics and health", "addr", addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server failed", "err", err)
		}
	}()
	return srv
}
