package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/ingest"
	"github.com/sells-group/lead-ingest/internal/status"
)

var servePort int

// maxUploadBytes caps a single spreadsheet upload at 32 MiB.
const maxUploadBytes = 32 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion HTTP server and batch workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initIngest(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Batch workers consume until shutdown.
		go func() {
			if err := env.Queue.Run(ctx, cfg.Ingest.MaxWorkers, env.Processor.Process); err != nil {
				zap.L().Error("queue workers stopped", zap.Error(err))
			}
		}()

		go sweepExpiredStatus(ctx, env)

		// Set up routes
		mux := http.NewServeMux()

		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		mux.HandleFunc("POST /uploads/{id}/ingest", func(w http.ResponseWriter, r *http.Request) {
			handleIngest(ctx, env, w, r)
		})

		mux.HandleFunc("GET /uploads/{id}/status", func(w http.ResponseWriter, r *http.Request) {
			st, err := env.Status.Get(r.Context(), r.PathValue("id"))
			if err != nil {
				writeStatusError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		})

		mux.HandleFunc("POST /uploads/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			st, err := env.Status.Cancel(r.Context(), r.PathValue("id"))
			if err != nil {
				writeStatusError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		})

		mux.HandleFunc("GET /deadletters", func(w http.ResponseWriter, r *http.Request) {
			letters, err := env.Queue.DeadLetters(r.Context())
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dead letter lookup failed"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deadLetters": letters})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownServer(srv)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.Int("workers", cfg.Ingest.MaxWorkers))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// handleIngest receives a multipart spreadsheet for the upload id in the
// path, records its status lifecycle, and splits it in the background.
// The response is the status snapshot the client should start polling.
func handleIngest(serverCtx context.Context, env *ingestEnv, w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	format := r.FormValue("format")
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(header.Filename), ".")
	}

	if _, err := env.Status.Create(r.Context(), uploadID, header.Filename, header.Size); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create upload record"})
		return
	}

	fileBytes, err := io.ReadAll(file)
	if err != nil {
		if _, serr := env.Status.SetError(r.Context(), uploadID, "upload transfer failed", ingest.CodeParse); serr != nil {
			zap.L().Warn("failed to record transfer error", zap.Error(serr))
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read upload"})
		return
	}

	st, err := env.Status.MarkUploaded(r.Context(), uploadID)
	if err != nil {
		writeStatusError(w, err)
		return
	}

	// Split outside the request so large files do not hold the
	// connection; progress is observable via the status endpoint.
	go func() {
		if _, err := env.Splitter.Split(serverCtx, fileBytes, format, uploadID, header.Filename); err != nil {
			zap.L().Error("split failed",
				zap.String("upload_id", uploadID),
				zap.Error(err),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, st)
}

// drainTimeout bounds graceful shutdown once the signal context ends.
const drainTimeout = 10 * time.Second

// shutdownServer drains in-flight requests under a fresh context; the
// signal context is already cancelled by the time shutdown starts.
func shutdownServer(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("server shutdown", zap.Error(err))
	}
}

// sweepExpiredStatus removes expired status records hourly.
func sweepExpiredStatus(ctx context.Context, env *ingestEnv) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var n int
			var err error
			switch svc := env.Status.(type) {
			case *status.PostgresService:
				n, err = svc.DeleteExpired(ctx)
			case *status.MemoryService:
				n = svc.SweepExpired()
			}
			if err != nil {
				zap.L().Warn("status sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("expired status records removed", zap.Int("count", n))
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// writeStatusError maps status service errors onto HTTP codes.
func writeStatusError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, status.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "upload not found"})
	case errors.Is(err, status.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "operation not valid in current state"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
