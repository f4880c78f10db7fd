// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package msg defines the wire message types exchanged over the queue
// layer (pkg/queue) and the envelope/factory that lets a consumer decode an
// opaque payload without knowing its concrete type ahead of time.
package msg

import (
	"encoding/json"
	"fmt"

	"github.com/trailofbits/buttercup-go/pkg/ckey"
)

// TaskType distinguishes a full build from a delta (diff-only) task.
type TaskType string

const (
	TaskTypeFull  TaskType = "FULL"
	TaskTypeDelta TaskType = "DELTA"
)

// BuildType enumerates the build variants the system can index.
type BuildType string

const (
	BuildTypeFuzzer       BuildType = "FUZZER"
	BuildTypeCoverage     BuildType = "COVERAGE"
	BuildTypeTracerNoDiff BuildType = "TRACER_NO_DIFF"
	BuildTypePatch        BuildType = "PATCH"
)

// SubmissionResult is the terminal/non-terminal status of a crash, patch,
// or bundle submitted to the Competition API.
type SubmissionResult string

const (
	ResultPending          SubmissionResult = "PENDING"
	ResultAccepted         SubmissionResult = "ACCEPTED"
	ResultPassed           SubmissionResult = "PASSED"
	ResultFailed           SubmissionResult = "FAILED"
	ResultErrored          SubmissionResult = "ERRORED"
	ResultDeadlineExceeded SubmissionResult = "DEADLINE_EXCEEDED"
)

// IsTerminal reports whether r is one of the terminal submission outcomes.
func (r SubmissionResult) IsTerminal() bool {
	switch r {
	case ResultPassed, ResultFailed, ResultErrored, ResultDeadlineExceeded:
		return true
	}
	return false
}

// SourceRef is a typed, hashed source location for a task.
type SourceRef struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	Hash string `json:"hash"`
}

// Task is a unit of work: a target project, its sources, a deadline, and
// whether it carries a diff. Cancelled is derived, never transmitted or
// stored on the record itself; see pkg/task.Registry.
type Task struct {
	TaskID      string      `json:"task_id"`
	ProjectName string      `json:"project_name"`
	Deadline    int64       `json:"deadline"`
	TaskType    TaskType    `json:"task_type"`
	Sources     []SourceRef `json:"sources"`
}

// TaskReady signals a downloaded task is ready for build dispatch.
type TaskReady struct {
	TaskID string `json:"task_id"`
}

// TaskDelete requests a task be marked cancelled.
type TaskDelete struct {
	TaskID string `json:"task_id"`
}

// BuildRequest asks a build worker to produce one build variant.
type BuildRequest struct {
	TaskID          string    `json:"task_id"`
	BuildType       BuildType `json:"build_type"`
	Sanitizer       string    `json:"sanitizer"`
	Engine          string    `json:"engine"`
	PackageName     string    `json:"package_name"`
	InternalPatchID string    `json:"internal_patch_id,omitempty"`
}

// BuildOutput is the result of a completed build. InternalPatchID is
// non-empty iff BuildType is PATCH; see Validate.
type BuildOutput struct {
	TaskID          string    `json:"task_id"`
	BuildType       BuildType `json:"build_type"`
	Sanitizer       string    `json:"sanitizer"`
	Engine          string    `json:"engine"`
	PackageName     string    `json:"package_name"`
	InternalPatchID string    `json:"internal_patch_id,omitempty"`
	TaskDir         string    `json:"task_dir"`
}

// Validate enforces the contract violation spec §3 calls fatal: a non-PATCH
// build must never carry an internal_patch_id, and a PATCH build must.
func (b BuildOutput) Validate() error {
	hasPatchID := b.InternalPatchID != ""
	isPatch := b.BuildType == BuildTypePatch
	if hasPatchID != isPatch {
		return fmt.Errorf("%w: build_type=%s internal_patch_id=%q", ErrBuildOutputContract, b.BuildType, b.InternalPatchID)
	}
	return nil
}

// ErrBuildOutputContract is raised when InternalPatchID and BuildType
// disagree about whether this is a PATCH build. Callers should treat this
// as a programmer error, not a retryable condition.
var ErrBuildOutputContract = fmt.Errorf("internal_patch_id must be set iff build_type is PATCH")

// WeightedHarness names a fuzzing entrypoint and its sampling weight.
type WeightedHarness struct {
	TaskID      string  `json:"task_id"`
	PackageName string  `json:"package_name"`
	HarnessName string  `json:"harness_name"`
	Weight      float64 `json:"weight"`
}

// Crash is a raw crashing input observed against a harness/build pair.
type Crash struct {
	HarnessName    string      `json:"harness_name"`
	CrashInputPath string      `json:"crash_input_path"`
	Target         BuildOutput `json:"target"`
	Stacktrace     string      `json:"stacktrace"`
	CrashToken     string      `json:"crash_token"`
}

// TracedCrash wraps a Crash with its tracer-produced stacktrace, used for
// dedup fingerprinting.
type TracedCrash struct {
	Crash            Crash  `json:"crash"`
	TracerStacktrace string `json:"tracer_stacktrace"`
}

// ConfirmedVulnerability is a deduplicated, externally-submitted crash
// family, ready for the patcher.
type ConfirmedVulnerability struct {
	VulnID     string      `json:"vuln_id"`
	TaskID     string      `json:"task_id"`
	CrashToken string      `json:"crash_token"`
	Target     BuildOutput `json:"target"`
	Stacktrace string      `json:"stacktrace"`
}

// Patch is a candidate fix produced by the (opaque) patcher for a
// confirmed vulnerability.
type Patch struct {
	PatchID string `json:"patch_id"`
	VulnID  string `json:"vuln_id"`
	TaskID  string `json:"task_id"`
	Diff    string `json:"diff"`
}

// POVReproduceRequest asks the reproducer to re-run a PoV against a
// (possibly patched) build. Key returns its canonical composite key.
type POVReproduceRequest struct {
	TaskID          string `json:"task_id"`
	InternalPatchID string `json:"internal_patch_id"`
	PovPath         string `json:"pov_path"`
	Sanitizer       string `json:"sanitizer"`
	HarnessName     string `json:"harness_name"`
}

// Key returns the canonical composite key spec §6 defines for a PoV
// reproduction request: [task_id, internal_patch_id, pov_path, sanitizer,
// harness_name].
func (r POVReproduceRequest) Key() string {
	return ckey.Encode(r.TaskID, r.InternalPatchID, r.PovPath, r.Sanitizer, r.HarnessName)
}

// POVReproduceResponse carries the outcome of a reproduction attempt.
type POVReproduceResponse struct {
	Request  POVReproduceRequest `json:"request"`
	DidCrash bool                `json:"did_crash"`
}

// FunctionCoverage records per-function line coverage. Key = (FunctionName,
// FunctionPaths) after sorting/deduplicating FunctionPaths.
type FunctionCoverage struct {
	FunctionName  string   `json:"function_name"`
	FunctionPaths []string `json:"function_paths"`
	TotalLines    int      `json:"total_lines"`
	CoveredLines  int      `json:"covered_lines"`
}

// SubmissionEntry groups one vulnerability family's crash, patch, and
// bundle submission results.
type SubmissionEntry struct {
	VulnID  string           `json:"vuln_id"`
	TaskID  string           `json:"task_id"`
	Crashes SubmissionResult `json:"crashes"`
	Patches SubmissionResult `json:"patches"`
	Bundles SubmissionResult `json:"bundles"`
}

// envelope is the wire format for every queue payload: a type tag plus
// the type-specific body, deferring body decoding until the tag is known.
type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Envelope type tags that Decode dispatches on, one per message struct.
// They are not queue names; those live in pkg/queue.
const (
	TypeTask                   = "Task"
	TypeTaskReady              = "TaskReady"
	TypeTaskDelete             = "TaskDelete"
	TypeBuildRequest           = "BuildRequest"
	TypeBuildOutput            = "BuildOutput"
	TypeWeightedHarness        = "WeightedHarness"
	TypeCrash                  = "Crash"
	TypeTracedCrash            = "TracedCrash"
	TypeConfirmedVulnerability = "ConfirmedVulnerability"
	TypePatch                  = "Patch"
	TypePOVReproduceRequest    = "POVReproduceRequest"
	TypePOVReproduceResponse   = "POVReproduceResponse"
	TypeFunctionCoverage       = "FunctionCoverage"
	TypeSubmissionEntry        = "SubmissionEntry"
)

// Encode wraps a typed body in its envelope and serializes it. typ should
// be one of the Type* constants; it is what Decode dispatches on.
func Encode(typ string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", typ, err)
	}
	return json.Marshal(envelope{Type: typ, Body: raw})
}

// Decode parses an envelope and returns the concrete, type-asserted value
// named by its Type tag. This is the "message factory" that lets a
// consumer accept an opaque []byte and get back the right Go type without
// prior knowledge of the queue it came from.
func Decode(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var v any
	switch env.Type {
	case TypeTask:
		v = &Task{}
	case TypeTaskReady:
		v = &TaskReady{}
	case TypeTaskDelete:
		v = &TaskDelete{}
	case TypeBuildRequest:
		v = &BuildRequest{}
	case TypeBuildOutput:
		v = &BuildOutput{}
	case TypeWeightedHarness:
		v = &WeightedHarness{}
	case TypeCrash:
		v = &Crash{}
	case TypeTracedCrash:
		v = &TracedCrash{}
	case TypeConfirmedVulnerability:
		v = &ConfirmedVulnerability{}
	case TypePatch:
		v = &Patch{}
	case TypePOVReproduceRequest:
		v = &POVReproduceRequest{}
	case TypePOVReproduceResponse:
		v = &POVReproduceResponse{}
	case TypeFunctionCoverage:
		v = &FunctionCoverage{}
	case TypeSubmissionEntry:
		v = &SubmissionEntry{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	if err := json.Unmarshal(env.Body, v); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", env.Type, err)
	}
	return v, nil
}

// ErrUnknownMessageType is returned by Decode when the envelope's type tag
// does not match any known message.
var ErrUnknownMessageType = fmt.Errorf("unknown message type")
