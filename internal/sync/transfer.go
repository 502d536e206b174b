package sync

import (
	"context"
	"log/slog"
	"sort"
	gosync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/odmirror/odmirror/internal/config"
)

// TransferFailure records one failed transfer for end-of-run cleanup.
type TransferFailure struct {
	RelPath string
	Err     error
}

// TransferPool dispatches download and upload tasks across a bounded
// set of workers. Each worker borrows its own Downloader or Uploader
// (and thus its own RemoteAPI handle) for the duration of a task batch.
type TransferPool struct {
	cfg    *config.Config
	logger *slog.Logger

	newDownloader func() *Downloader
	newUploader   func() *Uploader
}

// NewTransferPool builds a pool around per-worker transfer factories.
func NewTransferPool(cfg *config.Config, logger *slog.Logger,
	newDownloader func() *Downloader, newUploader func() *Uploader) *TransferPool {
	return &TransferPool{
		cfg:           cfg,
		logger:        logger,
		newDownloader: newDownloader,
		newUploader:   newUploader,
	}
}

// RunDownloads executes the queued downloads with bounded concurrency,
// returning per-file failures. Workers finish their current file on
// cancellation.
func (p *TransferPool) RunDownloads(ctx context.Context, tasks []DownloadTask) []TransferFailure {
	p.orderDownloads(tasks)

	var (
		mu       gosync.Mutex
		failures []TransferFailure
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Threads)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			worker := p.newDownloader()

			if err := worker.Download(ctx, task); err != nil {
				p.logger.Error("download failed",
					slog.String("path", task.RelPath),
					slog.String("error", err.Error()),
				)

				mu.Lock()
				failures = append(failures, TransferFailure{RelPath: task.RelPath, Err: err})
				mu.Unlock()
			}

			// Per-file failures never cancel sibling transfers.
			return nil
		})
	}

	_ = g.Wait()

	return failures
}

// RunUploads executes the queued uploads with bounded concurrency.
func (p *TransferPool) RunUploads(ctx context.Context, tasks []UploadTask) ([]*UploadResult, []TransferFailure) {
	p.orderUploads(tasks)

	var (
		mu       gosync.Mutex
		results  []*UploadResult
		failures []TransferFailure
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Threads)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			worker := p.newUploader()

			result, err := worker.Upload(ctx, task)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				p.logger.Error("upload failed",
					slog.String("path", task.RelPath),
					slog.String("error", err.Error()),
				)

				failures = append(failures, TransferFailure{RelPath: task.RelPath, Err: err})

				return nil
			}

			results = append(results, result)

			return nil
		})
	}

	_ = g.Wait()

	return results, failures
}

func (p *TransferPool) orderDownloads(tasks []DownloadTask) {
	switch p.cfg.TransferOrder {
	case config.TransferOrderNameAsc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].RelPath < tasks[j].RelPath })
	case config.TransferOrderNameDesc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].RelPath > tasks[j].RelPath })
	case config.TransferOrderSizeAsc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Item.Size < tasks[j].Item.Size })
	case config.TransferOrderSizeDesc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Item.Size > tasks[j].Item.Size })
	}
}

func (p *TransferPool) orderUploads(tasks []UploadTask) {
	switch p.cfg.TransferOrder {
	case config.TransferOrderNameAsc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].RelPath < tasks[j].RelPath })
	case config.TransferOrderNameDesc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].RelPath > tasks[j].RelPath })
	case config.TransferOrderSizeAsc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Size < tasks[j].Size })
	case config.TransferOrderSizeDesc:
		sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Size > tasks[j].Size })
	}
}
