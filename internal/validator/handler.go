package validator

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
)

// Job carries one deliverable plus the context fields the judgment
// procedure receives.
type Job struct {
	RequestID   uint64
	TaskType    string
	Seller      string
	Deadline    int64
	Price       string
	Deliverable []byte
}

// Verdict is the judgment outcome. Passed comes from the handler's exit
// status; score and reason from its structured output.
type Verdict struct {
	Passed bool   `json:"passed"`
	Score  uint8  `json:"score"`
	Reason string `json:"reason"`
}

// Handler produces a verdict for a deliverable within a bounded time.
type Handler interface {
	Judge(ctx context.Context, job Job) (Verdict, error)
}

// HandlerFunc adapts a function to the Handler interface, used for
// in-process judgment logic and tests.
type HandlerFunc func(ctx context.Context, job Job) (Verdict, error)

// Judge implements Handler.
func (f HandlerFunc) Judge(ctx context.Context, job Job) (Verdict, error) {
	return f(ctx, job)
}

// Environment variable names of the external handler contract.
const (
	envRequestID = "AGENTMARKET_REQUEST_ID"
	envTaskType  = "AGENTMARKET_TASK_TYPE"
	envSeller    = "AGENTMARKET_SELLER"
	envDeadline  = "AGENTMARKET_DEADLINE"
	envPrice     = "AGENTMARKET_PRICE"
)

// handlerResult is the one-line JSON the handler emits on stdout.
type handlerResult struct {
	Score  int    `json:"score"`
	Reason string `json:"reason"`
}

// ExternalHandler runs a judgment process per job. The contract: the
// deliverable arrives on standard input, context fields as environment
// variables; exit status 0 approves, 1 rejects; one JSON line on standard
// output carries score (0 to 100) and reason. A handler that outlives the
// timeout is killed and reported as a timeout, never treated as a pass.
type ExternalHandler struct {
	Path    string
	Timeout time.Duration
}

// NewExternalHandler configures a process handler.
func NewExternalHandler(path string, timeout time.Duration) (*ExternalHandler, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "handler path must not be empty")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ExternalHandler{Path: path, Timeout: timeout}, nil
}

// Judge implements Handler.
func (h *ExternalHandler) Judge(ctx context.Context, job Job) (Verdict, error) {
	runCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, h.Path)
	cmd.Stdin = bytes.NewReader(job.Deliverable)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", envRequestID, job.RequestID),
		fmt.Sprintf("%s=%s", envTaskType, job.TaskType),
		fmt.Sprintf("%s=%s", envSeller, job.Seller),
		fmt.Sprintf("%s=%d", envDeadline, job.Deadline),
		fmt.Sprintf("%s=%s", envPrice, job.Price),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return Verdict{}, xerrors.New(xerrors.CodeHandlerTimeout,
			fmt.Sprintf("handler %s exceeded %s and was killed", h.Path, h.Timeout),
			xerrors.WithMetadata("request_id", strconv.FormatUint(job.RequestID, 10)))
	}

	passed := true
	if runErr != nil {
		var exitErr *exec.ExitError
		if stdErrors.As(runErr, &exitErr) && exitErr.ExitCode() == 1 {
			passed = false
		} else {
			return Verdict{}, xerrors.Wrap(xerrors.CodeHandlerCrashed, runErr,
				fmt.Sprintf("handler %s failed: %s", h.Path, strings.TrimSpace(stderr.String())))
		}
	}

	result, err := parseHandlerOutput(stdout.Bytes())
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{Passed: passed, Score: uint8(result.Score), Reason: result.Reason}, nil
}

// parseHandlerOutput reads the last non-empty stdout line as the result.
// Handlers are free to log to earlier lines.
func parseHandlerOutput(output []byte) (handlerResult, error) {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	var last string
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			last = trimmed
			break
		}
	}
	if last == "" {
		return handlerResult{}, xerrors.New(xerrors.CodeHandlerCrashed, "handler produced no result line")
	}
	var result handlerResult
	if err := json.Unmarshal([]byte(last), &result); err != nil {
		return handlerResult{}, xerrors.Wrap(xerrors.CodeHandlerCrashed, err, "handler result is not valid JSON")
	}
	if result.Score < 0 || result.Score > 100 {
		return handlerResult{}, xerrors.New(xerrors.CodeHandlerCrashed,
			fmt.Sprintf("handler score %d outside 0..100", result.Score))
	}
	return result, nil
}
