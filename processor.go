package rnaqueue

import (
	"context"
	"fmt"
	"io"
)

// Artifact is what a processor hands back. Data is uploaded by the dispatcher
// under Name; a non-empty URL means the result is already stored elsewhere
// (typically by the remote compute service) and is reported as-is.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
	URL         string
}

// Progress receives intermediate status lines for the task's owner.
type Progress interface {
	Report(message string)
	Reportf(format string, args ...any)
}

type Processor[P any] interface {
	Execute(ctx context.Context, task Task[P], progress Progress) (Artifact, error)
}

type ProcessorFunc[P any] func(ctx context.Context, task Task[P], progress Progress) (Artifact, error)

func (f ProcessorFunc[P]) Execute(ctx context.Context, task Task[P], progress Progress) (Artifact, error) {
	return f(ctx, task, progress)
}

// ArtifactStore persists processor results and returns a retrievable URL.
type ArtifactStore interface {
	Put(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) (string, error)
}

type taskProgress struct {
	ctx      context.Context
	notifier Notifier
	userID   int64
}

func (p *taskProgress) Report(message string) {
	p.notifier.Notify(p.ctx, p.userID, message)
}

func (p *taskProgress) Reportf(format string, args ...any) {
	p.Report(fmt.Sprintf(format, args...))
}
