package kinds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/lovelumine/rnaqueue"
)

// memFiles serves stored files from memory.
type memFiles map[string]string

func (m memFiles) Open(_ context.Context, url string) (io.ReadCloser, error) {
	data, ok := m[url]
	if !ok {
		return nil, fmt.Errorf("no such object %s", url)
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

type progressLog struct {
	mu    sync.Mutex
	lines []string
}

func (p *progressLog) Report(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, message)
}

func (p *progressLog) Reportf(format string, args ...any) {
	p.Report(fmt.Sprintf(format, args...))
}

func (p *progressLog) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

type formValues struct {
	urls   map[string]string
	values map[string]string
}

func (f formValues) URL(field string) string   { return f.urls[field] }
func (f formValues) Value(field string) string { return f.values[field] }

func taskOf[P any](kind rnaqueue.Kind, payload P) rnaqueue.Task[P] {
	return rnaqueue.NewTask(7, kind, payload)
}

var errDown = errors.New("compute service down")
