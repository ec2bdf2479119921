package kinds

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lovelumine/rnaqueue"
	"github.com/lovelumine/rnaqueue/config"
)

// Env carries what the processors need beyond the engine.
type Env struct {
	Files          Fetcher
	Compute        Compute
	CmbuildBinary  string
	CmbuildTempDir string
	Logger         *slog.Logger
}

// Runner is a started-by-main dispatcher of any payload type.
type Runner interface {
	Kind() rnaqueue.Kind
	Run(ctx context.Context) error
	InFlight() uint64
}

// Form is a submitted multipart form whose files are already stored.
type Form interface {
	// URL is the stored location of the file sent under field.
	URL(field string) string
	Value(field string) string
}

// Route describes POST /{kind}/process.
type Route struct {
	Kind  rnaqueue.Kind
	Files []string
	// Submit builds the payload from form and enqueues it.
	Submit func(ctx context.Context, userID int64, form Form) (rnaqueue.TaskID, error)
}

type Registry struct {
	Runners []Runner
	Routes  []Route
}

func (r *Registry) Route(kind rnaqueue.Kind) (Route, bool) {
	for _, rt := range r.Routes {
		if rt.Kind == kind {
			return rt, true
		}
	}
	return Route{}, false
}

// Build wires a dispatcher and a submission route for every kind.
func Build(cfg *config.Config, env Env, deps rnaqueue.Deps) (*Registry, error) {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	r := &Registry{}
	steps := []error{
		register[RfamPayload](r, cfg, deps, Rfam, &RfamProcessor{Files: env.Files},
			[]string{"seedFile", "originalFile"}, rfamForm),
		register[CmbuildPayload](r, cfg, deps, Cmbuild, &CmbuildProcessor{
			Files: env.Files, Binary: env.CmbuildBinary, TempDir: env.CmbuildTempDir, Logger: env.Logger,
		}, []string{"stockholmFile"}, cmbuildForm),
		register[OnehotPayload](r, cfg, deps, Onehot, OnehotProcessor(env.Compute),
			[]string{"fastaFile", "cmFile"}, onehotForm),
		register[SplitOnehotPayload](r, cfg, deps, SplitOnehot, SplitOnehotProcessor(env.Compute),
			[]string{"h5File"}, splitOnehotForm),
		register[GenerateWeightPayload](r, cfg, deps, GenerateWeight, GenerateWeightProcessor(env.Compute),
			[]string{"h5File"}, generateWeightForm),
		register[TrainPayload](r, cfg, deps, Train, TrainProcessor(env.Compute),
			[]string{"x_train", "w_train", "x_valid", "w_valid"}, trainForm),
		register[SamplePayload](r, cfg, deps, Sample, SampleProcessor(env.Compute),
			[]string{"config_file", "ckpt_file", "cm_file"}, sampleForm),
		register[SequencePayload](r, cfg, deps, Sequence, SequenceProcessor(env.Compute),
			[]string{"templateFile", "testFile"}, sequenceForm),
	}
	for _, err := range steps {
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func register[P any](r *Registry, cfg *config.Config, deps rnaqueue.Deps, kind rnaqueue.Kind,
	proc rnaqueue.Processor[P], files []string, build func(Form) (P, error)) error {
	def := config.Apply(cfg.Queue(kind), rnaqueue.TaskDefinition[P]{Kind: kind, Processor: proc})
	d, err := rnaqueue.NewDispatcher(def, deps)
	if err != nil {
		return fmt.Errorf("register %s: %w", kind, err)
	}
	producer := rnaqueue.NewProducer[P](kind, deps)
	r.Runners = append(r.Runners, d)
	r.Routes = append(r.Routes, Route{
		Kind:  kind,
		Files: files,
		Submit: func(ctx context.Context, userID int64, form Form) (rnaqueue.TaskID, error) {
			payload, err := build(form)
			if err != nil {
				return rnaqueue.TaskID{}, err
			}
			task, err := producer.Submit(ctx, userID, payload)
			return task.ID, err
		},
	})
	return nil
}

func rfamForm(f Form) (RfamPayload, error) {
	return RfamPayload{
		RfamAcc:         strings.TrimSpace(f.Value("rfamAcc")),
		SeedFileURL:     f.URL("seedFile"),
		OriginalFileURL: f.URL("originalFile"),
	}, nil
}

func cmbuildForm(f Form) (CmbuildPayload, error) {
	return CmbuildPayload{StockholmFileURL: f.URL("stockholmFile")}, nil
}

func onehotForm(f Form) (OnehotPayload, error) {
	cpu, err := intValue(f, "cpu", 4)
	if err != nil {
		return OnehotPayload{}, err
	}
	return OnehotPayload{FastaFileURL: f.URL("fastaFile"), CMFileURL: f.URL("cmFile"), CPU: cpu}, nil
}

func splitOnehotForm(f Form) (SplitOnehotPayload, error) {
	ratio, err := floatValue(f, "trainRatio", 0.7)
	if err != nil {
		return SplitOnehotPayload{}, err
	}
	seed, err := intValue(f, "randomState", 42)
	if err != nil {
		return SplitOnehotPayload{}, err
	}
	return SplitOnehotPayload{H5FileURL: f.URL("h5File"), TrainRatio: ratio, RandomState: seed}, nil
}

func generateWeightForm(f Form) (GenerateWeightPayload, error) {
	p := GenerateWeightPayload{H5FileURL: f.URL("h5File"), Mode: "cm", NSamples: 10000}
	if m := strings.TrimSpace(f.Value("mode")); m != "" {
		p.Mode = m
	}
	var err error
	if p.Threshold, err = floatValue(f, "threshold", 0.1); err != nil {
		return p, err
	}
	if s := strings.TrimSpace(f.Value("nSamples")); s != "" {
		if p.NSamples, err = ParseSampleCount(s); err != nil {
			return p, err
		}
	}
	if p.CPU, err = intValue(f, "cpu", 4); err != nil {
		return p, err
	}
	if p.PrintEvery, err = intValue(f, "printEvery", 500); err != nil {
		return p, err
	}
	return p, nil
}

func trainForm(f Form) (TrainPayload, error) {
	beta, err := floatValue(f, "beta", 0.001)
	if err != nil {
		return TrainPayload{}, err
	}
	return TrainPayload{
		XTrainFileURL: f.URL("x_train"),
		WTrainFileURL: f.URL("w_train"),
		XValidFileURL: f.URL("x_valid"),
		WValidFileURL: f.URL("w_valid"),
		Beta:          beta,
	}, nil
}

func sampleForm(f Form) (SamplePayload, error) {
	raw := strings.TrimSpace(f.Value("n_samples"))
	if raw == "" {
		return SamplePayload{}, rnaqueue.Invalid("n_samples", "required")
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return SamplePayload{}, rnaqueue.Invalid("n_samples", "not an integer: "+raw)
	}
	return SamplePayload{
		ConfigFileURL: f.URL("config_file"),
		CkptFileURL:   f.URL("ckpt_file"),
		CMFileURL:     f.URL("cm_file"),
		NSamples:      n,
	}, nil
}

func sequenceForm(f Form) (SequencePayload, error) {
	return SequencePayload{TemplateFileURL: f.URL("templateFile"), TestFileURL: f.URL("testFile")}, nil
}

func intValue(f Form, field string, def int) (int, error) {
	raw := strings.TrimSpace(f.Value(field))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, rnaqueue.Invalid(field, "not an integer: "+raw)
	}
	return n, nil
}

func floatValue(f Form, field string, def float64) (float64, error) {
	raw := strings.TrimSpace(f.Value(field))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, rnaqueue.Invalid(field, "not a number: "+raw)
	}
	return v, nil
}
