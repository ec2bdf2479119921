package kinds

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/lovelumine/rnaqueue"
)

// CmbuildProcessor builds a covariance model with Infernal's cmbuild.
type CmbuildProcessor struct {
	Files   Fetcher
	Binary  string
	TempDir string
	Logger  *slog.Logger
}

func (p *CmbuildProcessor) Execute(ctx context.Context, task rnaqueue.Task[CmbuildPayload], progress rnaqueue.Progress) (rnaqueue.Artifact, error) {
	dir, err := os.MkdirTemp(p.TempDir, fmt.Sprintf("cmbuild-%d-", task.UserID))
	if err != nil {
		return rnaqueue.Artifact{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	progress.Report("downloading alignment")
	in := filepath.Join(dir, "input.stockholm")
	err = withFile(ctx, p.Files, task.Payload.StockholmFileURL, func(r io.Reader) error {
		f, err := os.Create(in)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return rnaqueue.Artifact{}, err
	}

	out := filepath.Join(dir, "result.cm")
	progress.Report("running cmbuild")
	if err := p.run(ctx, progress, out, in); err != nil {
		return rnaqueue.Artifact{}, err
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return rnaqueue.Artifact{}, fmt.Errorf("read model: %w", err)
	}
	return rnaqueue.Artifact{Name: "result.cm", ContentType: "text/plain", Data: data}, nil
}

// run executes binary with stdout and stderr merged, reporting every line.
func (p *CmbuildProcessor) run(ctx context.Context, progress rnaqueue.Progress, out, in string) error {
	binary := p.Binary
	if binary == "" {
		binary = "cmbuild"
	}
	pr, pw := io.Pipe()
	cmd := exec.CommandContext(ctx, binary, out, in)
	cmd.Stdout = pw
	cmd.Stderr = pw

	if p.Logger != nil {
		p.Logger.Info("starting cmbuild", "binary", binary, "args", cmd.Args[1:])
	}
	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("start %s: %w", binary, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			progress.Report("cmbuild: " + sc.Text())
		}
		// drain so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Wait()
	pw.Close()
	<-done

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("cmbuild exited with code %d", exitErr.ExitCode())
	}
	if err != nil {
		return fmt.Errorf("cmbuild: %w", err)
	}
	return nil
}
