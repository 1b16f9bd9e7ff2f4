package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/quantchat/internal/turn"
	"github.com/aixgo-dev/quantchat/pkg/upload"
)

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload files to the analysis service",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.newSession()
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, stop := interruptible(cmd.Context())
			defer stop()
			if failed := uploadPaths(ctx, sess, args, cmd.OutOrStdout()); failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(args))
			}
			return nil
		},
	}
}

// uploadPaths opens and uploads local files, printing one line per file.
// It returns the number of failures.
func uploadPaths(ctx context.Context, sess *turn.Session, paths []string, out io.Writer) int {
	var (
		files   []turn.File
		closers []io.Closer
		failed  int
	)
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", p, err)
			failed++
			continue
		}
		closers = append(closers, f)
		files = append(files, turn.File{Name: filepath.Base(p), Content: f})
	}
	if len(files) == 0 {
		return failed
	}

	accepted, err := sess.Upload(ctx, files...)
	for _, d := range accepted {
		fmt.Fprintf(out, "✓ %s\n", describe(d))
	}
	if err != nil {
		for _, e := range unwrapJoined(err) {
			fmt.Fprintf(out, "✗ %v\n", e)
			failed++
		}
	}
	return failed
}

func describe(d upload.Descriptor) string {
	fileType, year, month := upload.Classify(d.Name)
	return fmt.Sprintf("%s (%d bytes) -> %s/%s/%s", d.Name, d.Size, fileType, year, month)
}

func unwrapJoined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
