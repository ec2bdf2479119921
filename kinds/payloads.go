package kinds

import (
	"math"
	"strconv"
	"strings"

	"github.com/lovelumine/rnaqueue"
)

const (
	Rfam           rnaqueue.Kind = "rfam"
	Cmbuild        rnaqueue.Kind = "cmbuild"
	Onehot         rnaqueue.Kind = "onehot"
	SplitOnehot    rnaqueue.Kind = "splitOnehot"
	GenerateWeight rnaqueue.Kind = "generateWeight"
	Train          rnaqueue.Kind = "train"
	Sample         rnaqueue.Kind = "sample"
	Sequence       rnaqueue.Kind = "sequence"
)

// All lists every kind in registration order.
var All = []rnaqueue.Kind{Rfam, Cmbuild, Onehot, SplitOnehot, GenerateWeight, Train, Sample, Sequence}

type RfamPayload struct {
	RfamAcc         string `json:"rfamAcc"`
	SeedFileURL     string `json:"seedFileUrl"`
	OriginalFileURL string `json:"originalFileUrl"`
}

func (p RfamPayload) Validate() error {
	if strings.TrimSpace(p.RfamAcc) == "" {
		return rnaqueue.Invalid("rfamAcc", "required")
	}
	return requireURLs("seedFileUrl", p.SeedFileURL, "originalFileUrl", p.OriginalFileURL)
}

type CmbuildPayload struct {
	StockholmFileURL string `json:"stockholmFileUrl"`
}

func (p CmbuildPayload) Validate() error {
	return requireURLs("stockholmFileUrl", p.StockholmFileURL)
}

type OnehotPayload struct {
	FastaFileURL string `json:"fastaFileUrl"`
	CMFileURL    string `json:"cmFileUrl"`
	CPU          int    `json:"cpu"`
}

func (p OnehotPayload) Validate() error {
	if p.CPU < 1 {
		return rnaqueue.Invalid("cpu", "must be at least 1")
	}
	return requireURLs("fastaFileUrl", p.FastaFileURL, "cmFileUrl", p.CMFileURL)
}

type SplitOnehotPayload struct {
	H5FileURL   string  `json:"h5FileUrl"`
	TrainRatio  float64 `json:"trainRatio"`
	RandomState int     `json:"randomState"`
}

func (p SplitOnehotPayload) Validate() error {
	if p.TrainRatio <= 0 || p.TrainRatio >= 1 {
		return rnaqueue.Invalid("trainRatio", "must be between 0 and 1")
	}
	return requireURLs("h5FileUrl", p.H5FileURL)
}

type GenerateWeightPayload struct {
	H5FileURL  string  `json:"h5FileUrl"`
	Mode       string  `json:"mode"`
	Threshold  float64 `json:"threshold"`
	NSamples   int     `json:"nSamples"`
	CPU        int     `json:"cpu"`
	PrintEvery int     `json:"printEvery"`
}

func (p GenerateWeightPayload) Validate() error {
	switch {
	case p.Mode == "":
		return rnaqueue.Invalid("mode", "required")
	case p.Threshold < 0 || p.Threshold > 1:
		return rnaqueue.Invalid("threshold", "must be between 0 and 1")
	case p.NSamples < 1:
		return rnaqueue.Invalid("nSamples", "must be positive")
	case p.CPU < 1:
		return rnaqueue.Invalid("cpu", "must be at least 1")
	case p.PrintEvery < 1:
		return rnaqueue.Invalid("printEvery", "must be positive")
	}
	return requireURLs("h5FileUrl", p.H5FileURL)
}

type TrainPayload struct {
	XTrainFileURL string  `json:"xTrainFileUrl"`
	WTrainFileURL string  `json:"wTrainFileUrl"`
	XValidFileURL string  `json:"xValidFileUrl"`
	WValidFileURL string  `json:"wValidFileUrl"`
	Beta          float64 `json:"beta"`
}

func (p TrainPayload) Validate() error {
	if p.Beta < 0 {
		return rnaqueue.Invalid("beta", "must not be negative")
	}
	return requireURLs("xTrainFileUrl", p.XTrainFileURL, "wTrainFileUrl", p.WTrainFileURL, "xValidFileUrl", p.XValidFileURL, "wValidFileUrl", p.WValidFileURL)
}

type SamplePayload struct {
	ConfigFileURL string `json:"configFileUrl"`
	CkptFileURL   string `json:"ckptFileUrl"`
	CMFileURL     string `json:"cmFileUrl"`
	NSamples      int    `json:"nSamples"`
}

func (p SamplePayload) Validate() error {
	if p.NSamples < 1 {
		return rnaqueue.Invalid("nSamples", "must be positive")
	}
	return requireURLs("configFileUrl", p.ConfigFileURL, "ckptFileUrl", p.CkptFileURL, "cmFileUrl", p.CMFileURL)
}

// SequencePayload is a tREX scoring request.
type SequencePayload struct {
	TemplateFileURL string `json:"templateFileUrl"`
	TestFileURL     string `json:"testFileUrl"`
}

func (p SequencePayload) Validate() error {
	return requireURLs("templateFileUrl", p.TemplateFileURL, "testFileUrl", p.TestFileURL)
}

// requireURLs takes name, value pairs and reports the first empty value.
func requireURLs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return rnaqueue.Invalid(pairs[i], "required")
		}
	}
	return nil
}

// ParseSampleCount accepts a positive count or "inf", which maps to the
// largest 32-bit value the compute service understands.
func ParseSampleCount(s string) (int, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "inf", "infinity", "+inf":
		return math.MaxInt32, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return 0, rnaqueue.Invalid("nSamples", "not a number: "+s)
	}
	if f >= math.MaxInt32 {
		return math.MaxInt32, nil
	}
	return int(f), nil
}
