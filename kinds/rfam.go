package kinds

import (
	"context"
	"fmt"
	"io"

	"github.com/lovelumine/rnaqueue"
)

// Fetcher opens a stored file by URL.
type Fetcher interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// RfamProcessor removes the family's seed sequences from a candidate set.
type RfamProcessor struct {
	Files Fetcher
}

func (p *RfamProcessor) Execute(ctx context.Context, task rnaqueue.Task[RfamPayload], progress rnaqueue.Progress) (rnaqueue.Artifact, error) {
	in := task.Payload
	progress.Report("downloading input files")

	var seed, original []record
	err := withFile(ctx, p.Files, in.SeedFileURL, func(r io.Reader) (err error) {
		seed, err = seedSequences(r, in.RfamAcc)
		return err
	})
	if err != nil {
		return rnaqueue.Artifact{}, err
	}
	err = withFile(ctx, p.Files, in.OriginalFileURL, func(r io.Reader) (err error) {
		original, err = readFasta(r)
		return err
	})
	if err != nil {
		return rnaqueue.Artifact{}, err
	}

	progress.Report("filtering sequences")
	kept, stats := removeSeed(seed, uniquenize(original))
	progress.Reportf("sequences found: %d, seed: %d, retained: %d", stats.Found, stats.Seed, stats.Retained)

	return rnaqueue.Artifact{
		Name:        in.RfamAcc + "-result.fa",
		ContentType: "text/fasta",
		Data:        writeFasta(kept),
	}, nil
}

func withFile(ctx context.Context, files Fetcher, url string, fn func(io.Reader) error) error {
	rc, err := files.Open(ctx, url)
	if err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}
	defer rc.Close()
	return fn(rc)
}
