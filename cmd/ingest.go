package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/fetcher"
	"github.com/sells-group/lead-ingest/internal/model"
)

var (
	ingestFile     string
	ingestFormat   string
	ingestUploadID string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest one spreadsheet and wait for completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initIngest(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sources := fetcher.NewClient(fetcher.HTTPOptions{})
		fileBytes, err := sources.Fetch(ctx, ingestFile)
		if err != nil {
			return eris.Wrapf(err, "fetch %s", ingestFile)
		}

		format := ingestFormat
		if format == "" {
			format = strings.TrimPrefix(filepath.Ext(ingestFile), ".")
		}

		uploadID := ingestUploadID
		if uploadID == "" {
			uploadID = uuid.NewString()
		}
		fileName := filepath.Base(ingestFile)

		if _, err := env.Status.Create(ctx, uploadID, fileName, int64(len(fileBytes))); err != nil {
			return eris.Wrap(err, "create upload record")
		}
		if _, err := env.Status.MarkUploaded(ctx, uploadID); err != nil {
			return eris.Wrap(err, "mark uploaded")
		}

		// Workers run in-process for the one-shot path.
		workerCtx, stopWorkers := context.WithCancel(ctx)
		defer stopWorkers()
		workersDone := make(chan struct{})
		go func() {
			defer close(workersDone)
			if err := env.Queue.Run(workerCtx, cfg.Ingest.MaxWorkers, env.Processor.Process); err != nil {
				zap.L().Error("queue workers stopped", zap.Error(err))
			}
		}()

		if _, err := env.Splitter.Split(ctx, fileBytes, format, uploadID, fileName); err != nil {
			stopWorkers()
			<-workersDone
			return eris.Wrapf(err, "split %s", fileName)
		}

		final, err := waitForTerminal(ctx, env, uploadID)
		stopWorkers()
		<-workersDone
		if err != nil {
			return err
		}

		out, _ := json.MarshalIndent(final, "", "  ")
		cmd.Println(string(out))
		return nil
	},
}

// waitForTerminal polls the status record until the upload reaches a
// terminal state or ctx is cancelled.
func waitForTerminal(ctx context.Context, env *ingestEnv, uploadID string) (*model.UploadStatus, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "interrupted while waiting for completion")
		case <-ticker.C:
			st, err := env.Status.Get(ctx, uploadID)
			if err != nil {
				return nil, eris.Wrapf(err, "poll status %s", uploadID)
			}
			if st.State.Terminal() {
				return st, nil
			}
		}
	}
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "spreadsheet to ingest: local path, http(s) or ftp URL")
	ingestCmd.Flags().StringVar(&ingestFormat, "format", "", "file format override (default from extension)")
	ingestCmd.Flags().StringVar(&ingestUploadID, "upload-id", "", "upload id (default random)")
	ingestCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(ingestCmd)
}
