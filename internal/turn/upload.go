package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/quantchat/pkg/chatlog"
	metrics "github.com/aixgo-dev/quantchat/pkg/observability"
	"github.com/aixgo-dev/quantchat/pkg/upload"
)

// File is a local file to upload.
type File struct {
	Name    string
	Content io.Reader
}

// UploadedMessage is the system log entry recorded for an accepted file.
func UploadedMessage(name string) string {
	return fmt.Sprintf("File '%s' uploaded successfully.", name)
}

// Upload sends files concurrently. Each accepted file is indexed and
// announced in the log; a failed file does not stop the others. The
// returned error joins every per-file failure.
func (s *Session) Upload(ctx context.Context, files ...File) ([]upload.Descriptor, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if len(files) == 0 {
		return nil, &ValidationError{Field: "files", Reason: "nothing to upload"}
	}

	results := make([]*upload.Descriptor, len(files))
	errs := make([]error, len(files))

	var g errgroup.Group
	g.SetLimit(s.uploadLimit)
	for i, f := range files {
		g.Go(func() error {
			d, err := s.uploadOne(ctx, f)
			metrics.RecordUpload(err)
			results[i] = d
			if err != nil {
				log.Printf("[Upload] %s failed: %v", f.Name, err)
				errs[i] = fmt.Errorf("upload %s: %w", f.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var accepted []upload.Descriptor
	for _, d := range results {
		if d != nil {
			accepted = append(accepted, *d)
		}
	}
	return accepted, errors.Join(errs...)
}

// uploadOne returns the descriptor of an indexed file even when announcing
// it in the log fails.
func (s *Session) uploadOne(ctx context.Context, f File) (*upload.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := s.transport.Upload(ctx, f.Name, f.Content)
	if err != nil {
		return nil, err
	}

	s.index.Insert(d)
	log.Printf("[Upload] %s accepted (%d bytes)", d.Name, d.Size)

	if _, err := s.log.Append(context.WithoutCancel(ctx), chatlog.NewMessage{
		Kind:    chatlog.KindSystem,
		Content: UploadedMessage(f.Name),
	}); err != nil {
		return &d, err
	}
	return &d, nil
}
