package kinds

import (
	"context"
	"encoding/json"

	"github.com/lovelumine/rnaqueue"
	"github.com/lovelumine/rnaqueue/remote"
)

// Compute is the part of the remote client the processors use.
type Compute interface {
	ProcessTraceback(ctx context.Context, req remote.TracebackRequest) (remote.OutputFileResponse, error)
	SplitOnehot(ctx context.Context, req remote.SplitOnehotRequest) (remote.SplitOnehotResponse, error)
	GenerateWeight(ctx context.Context, req remote.GenerateWeightRequest) (remote.GenerateWeightResponse, error)
	Train(ctx context.Context, req remote.TrainRequest) (remote.OutputFileResponse, error)
	Sample(ctx context.Context, req remote.SampleRequest) (remote.OutputFileResponse, error)
	TrexScore(ctx context.Context, req remote.TrexScoreRequest) (remote.OutputFileResponse, error)
}

func forward(progress rnaqueue.Progress, messages []string) {
	for _, m := range messages {
		progress.Report(m)
	}
}

func OnehotProcessor(c Compute) rnaqueue.ProcessorFunc[OnehotPayload] {
	return func(ctx context.Context, task rnaqueue.Task[OnehotPayload], progress rnaqueue.Progress) (rnaqueue.Artifact, error) {
		progress.Report("aligning sequences and encoding one-hot matrix")
		resp, err := c.ProcessTraceback(ctx, remote.TracebackRequest{
			Traceback: task.Payload.FastaFileURL,
			CMFile:    task.Payload.CMFileURL,
			CPU:       task.Payload.CPU,
			UserID:    task.UserID,
		})
		forward(progress, resp.Progress())
		if err != nil {
			return rnaqueue.Artifact{}, err
		}
		return rnaqueue.Artifact{URL: resp.OutputFile}, nil
	}
}

// SplitManifest lists the three partitions of a split.
type SplitManifest struct {
	TrainURL string `json:"trainUrl"`
	ValidURL string `json:"validUrl"`
	TestURL  string `json:"testUrl"`
}

func SplitOnehotProcessor(c Compute) rnaqueue.ProcessorFunc[SplitOnehotPayload] {
	return func(ctx context.Context, task rnaqueue.Task[SplitOnehotPayload], progress rnaqueue.Progress) (rnaqueue.Artifact, error) {
		progress.Report("splitting dataset")
		resp, err := c.SplitOnehot(ctx, remote.SplitOnehotRequest{
			FileURL:     task.Payload.H5FileURL,
			TrainRatio:  task.Payload.TrainRatio,
			RandomState: task.Payload.RandomState,
			UserID:      task.UserID,
		})
		forward(progress, resp.Progress())
		if err != nil {
			return rnaqueue.Artifact{}, err
		}
		progress.Reportf("train: %s", resp.TrainURL)
		progress.Reportf("valid: %s", resp.ValidURL)
		progress.Reportf("test: %s", resp.TestURL)
		data, err := json.Marshal(SplitManifest{TrainURL: resp.TrainURL, ValidURL: resp.ValidURL, TestURL: resp.TestURL})
		if err != nil {
			return rnaqueue.Artifact{}, err
		}
		return rnaqueue.Artifact{Name: "split.json", ContentType: "application/json", Data: data}, nil
	}
}

func GenerateWeightProcessor(c Compute) rnaqueue.ProcessorFunc[GenerateWeightPayload] {
	return func(ctx context.Context, task rnaqueue.Task[GenerateWeightPayload], progress rnaqueue.Progress) (rnaqueue.Artifact, error) {
		p := task.Payload
		progress.Report("generating sequence weights")
		resp, err := c.GenerateWeight(ctx, remote.GenerateWeightRequest{
			FileURL:    p.H5FileURL,
			Mode:       p.Mode,
			Threshold:  p.Threshold,
			NSamples:   p.NSamples,
			CPU:        p.CPU,
			PrintEvery: p.PrintEvery,
			UserID:     task.UserID,
		})
		forward(progress, resp.Progress())
		if err != nil {
			return rnaqueue.Artifact{}, err
		}
		progress.Reportf("Ntotal: %g, Neff: %g", resp.NTotal, resp.NEff)
		return rnaqueue.Artifact{URL: resp.OutputURL}, nil
	}
}

func TrainProcessor(c Compute) rnaqueue.ProcessorFunc[TrainPayload] {
	return func(ctx context.Context, task rnaqueue.Task[TrainPayload], progress rnaqueue.Progress) (rnaqueue.Artifact, error) {
		p := task.Payload
		progress.Report("training model")
		resp, err := c.Train(ctx, remote.TrainRequest{
			UserID:    task.UserID,
			XTrainURL: p.XTrainFileURL,
			WTrainURL: p.WTrainFileURL,
			XValidURL: p.XValidFileURL,
			WValidURL: p.WValidFileURL,
			Beta:      p.Beta,
		})
		forward(progress, resp.Progress())
		if err != nil {
			return rnaqueue.Artifact{}, err
		}
		return rnaqueue.Artifact{URL: resp.OutputFile}, nil
	}
}

func SampleProcessor(c Compute) rnaqueue.ProcessorFunc[SamplePayload] {
	return func(ctx context.Context, task rnaqueue.Task[SamplePayload], progress rnaqueue.Progress) (rnaqueue.Artifact, error) {
		p := task.Payload
		progress.Reportf("sampling %d sequences", p.NSamples)
		resp, err := c.Sample(ctx, remote.SampleRequest{
			UserID:    task.UserID,
			ConfigURL: p.ConfigFileURL,
			CkptURL:   p.CkptFileURL,
			CMFileURL: p.CMFileURL,
			NSamples:  p.NSamples,
		})
		forward(progress, resp.Progress())
		if err != nil {
			return rnaqueue.Artifact{}, err
		}
		return rnaqueue.Artifact{URL: resp.OutputFile}, nil
	}
}

func SequenceProcessor(c Compute) rnaqueue.ProcessorFunc[SequencePayload] {
	return func(ctx context.Context, task rnaqueue.Task[SequencePayload], progress rnaqueue.Progress) (rnaqueue.Artifact, error) {
		progress.Report("scoring sequences against template")
		resp, err := c.TrexScore(ctx, remote.TrexScoreRequest{
			TemplateURL: task.Payload.TemplateFileURL,
			TestURL:     task.Payload.TestFileURL,
			UserID:      task.UserID,
		})
		forward(progress, resp.Progress())
		if err != nil {
			return rnaqueue.Artifact{}, err
		}
		return rnaqueue.Artifact{URL: resp.OutputFile}, nil
	}
}
