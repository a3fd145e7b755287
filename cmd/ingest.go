package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docledger/docledger/internal/ledger"
	"github.com/docledger/docledger/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>...",
	Short: "Register documents as lineage roots",
	Long:  "Hashes each file (directories are walked recursively) and appends a DOCUMENT record for it, starting a new lineage tree per file.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("ingest"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		paths, err := collectFiles(args)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			fmt.Fprintln(os.Stderr, "No files found.")
			return nil
		}

		writer := ledger.NewWriter(st)

		zap.L().Info("ingesting documents",
			zap.Int("files", len(paths)),
			zap.Int("concurrency", cfg.Ingest.Concurrency),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.Ingest.Concurrency)

		var succeeded, failed atomic.Int64

		for _, path := range paths {
			g.Go(func() error {
				log := zap.L().With(zap.String("file", path))

				start := time.Now()
				hash, size, err := hashFile(path)
				if err != nil {
					failed.Add(1)
					log.Error("hash failed", zap.Error(err))
					return nil // don't abort the batch on one bad file
				}

				id, err := writer.Append(gctx, model.NewRecord{
					Type:             model.TypeDocument,
					ContentHash:      hash,
					Processor:        cfg.Ingest.Processor,
					ProcessorVersion: cfg.Ingest.ProcessorVersion,
					ProcessingParams: map[string]any{
						"filename":   filepath.Base(path),
						"size_bytes": size,
					},
					ProcessingDurationMS: time.Since(start).Milliseconds(),
				})
				if err != nil {
					failed.Add(1)
					log.Error("append failed", zap.Error(err))
					return nil
				}

				succeeded.Add(1)
				log.Info("document registered", zap.String("id", id))
				fmt.Printf("%s  %s\n", id, path)
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return eris.Wrap(err, "ingest")
		}

		zap.L().Info("ingest complete",
			zap.Int64("succeeded", succeeded.Load()),
			zap.Int64("failed", failed.Load()),
		)
		if failed.Load() > 0 {
			return eris.Errorf("ingest: %d of %d files failed", failed.Load(), len(paths))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

// collectFiles expands the given paths into a flat list of regular files,
// walking directories recursively.
func collectFiles(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: stat %s", arg)
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: walk %s", arg)
		}
	}
	return paths, nil
}

// hashFile streams the file through SHA-256 and returns the lowercase hex
// digest and the file size.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, eris.Wrap(err, "ingest: open")
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, eris.Wrap(err, "ingest: read")
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
