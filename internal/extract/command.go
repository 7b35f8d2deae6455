package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/tender-extractor/constants"
	"github.com/joseph-ayodele/tender-extractor/internal/common"
)

// engineReport is the JSON document the extraction engine prints on stdout.
type engineReport struct {
	OK         bool            `json:"ok"`
	Retryable  bool            `json:"retryable"`
	Message    string          `json:"message"`
	Kind       string          `json:"kind"`
	PDFURI     *string         `json:"pdf_uri"`
	JSONURI    *string         `json:"json_uri"`
	Confidence *float64        `json:"confidence"`
	Fields     json.RawMessage `json:"fields"`
}

// CommandProcessor runs an external extraction engine once per job.
type CommandProcessor struct {
	name    string
	args    []string
	timeout time.Duration
	runner  Runner
	log     *slog.Logger
}

type CommandOption func(*CommandProcessor)

// WithRunner replaces the exec runner, mostly for tests.
func WithRunner(r Runner) CommandOption {
	return func(p *CommandProcessor) { p.runner = r }
}

func WithTimeout(d time.Duration) CommandOption {
	return func(p *CommandProcessor) { p.timeout = d }
}

// NewCommandProcessor builds a processor from a command line such as
// "python3 extract.py --headless". Per-job arguments are appended.
func NewCommandProcessor(command string, log *slog.Logger, opts ...CommandOption) (*CommandProcessor, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, errors.New("extractor command is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	p := &CommandProcessor{
		name:   parts[0],
		args:   parts[1:],
		runner: ExecRunner{Log: log},
		log:    log,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *CommandProcessor) Process(ctx context.Context, task Task) (*Output, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	outDir := ""
	if task.ArtifactDir != "" {
		outDir = filepath.Join(task.ArtifactDir, ArtifactName(task.BidNumber))
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, Transient("create artifact dir", err)
		}
	}

	args := append([]string{}, p.args...)
	args = append(args, "--bid-number", task.BidNumber)
	if task.DetailURL != "" {
		args = append(args, "--detail-url", task.DetailURL)
	}
	if outDir != "" {
		args = append(args, "--out-dir", outDir)
	}

	stdout, stderr, runErr := p.runner.Run(ctx, p.name, args...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, Transient("extractor interrupted", ctxErr)
	}

	var rep engineReport
	decodeErr := json.Unmarshal(stdout, &rep)
	if runErr != nil && decodeErr != nil {
		return nil, Transient("extractor failed: "+truncate(strings.TrimSpace(string(stderr)), 512), runErr)
	}
	if decodeErr != nil {
		return nil, Transient("extractor output is not valid JSON", decodeErr)
	}
	if !rep.OK {
		msg := rep.Message
		if msg == "" {
			msg = "extractor reported failure"
		}
		if kind, ok := constants.CanonicalFailureKind(rep.Kind); ok && kind != constants.FailureLeaseExpired {
			return nil, &Failure{Kind: kind, Message: msg, Err: runErr}
		}
		if rep.Retryable {
			return nil, Transient(msg, runErr)
		}
		return nil, Permanent(msg, runErr)
	}
	if runErr != nil {
		return nil, Transient("extractor exited with error after reporting success", runErr)
	}

	out := &Output{PDFURI: rep.PDFURI, JSONURI: rep.JSONURI, Confidence: rep.Confidence}
	if len(rep.Fields) > 0 {
		fields, err := DecodeFields(rep.Fields)
		if err != nil {
			return nil, Permanent("extracted fields rejected", err)
		}
		out.Fields = fields
	}
	p.log.Debug("extract.ok", "bid_number", task.BidNumber, "job_id", task.JobID,
		"worker_id", common.WorkerIDFromContext(ctx))
	return out, nil
}

// ArtifactName maps a bid number to a safe file or directory name.
func ArtifactName(bidNumber string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return r.Replace(bidNumber)
}

var _ Processor = (*CommandProcessor)(nil)

func (p *CommandProcessor) String() string {
	return fmt.Sprintf("%s %s", p.name, strings.Join(p.args, " "))
}
