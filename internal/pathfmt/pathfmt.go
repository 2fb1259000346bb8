// Package pathfmt derives the deterministic tmpdir path for a job/step/task.
package pathfmt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattjoyce/autotmpdir/internal/fault"
	"github.com/mattjoyce/autotmpdir/internal/job"
	"github.com/mattjoyce/autotmpdir/internal/policy"
)

// MaxPathLen matches the platform PATH_MAX, terminator included.
const MaxPathLen = 4096

// maxHostLen is the DNS label limit.
const maxHostLen = 63

// Candidate names which base prefix was selected.
type Candidate string

const (
	CandidateExplicit Candidate = "explicit"
	CandidateShared   Candidate = "shared"
	CandidateLocal    Candidate = "local"
)

// ResolvedPath is the outcome of Resolve.
type ResolvedPath struct {
	Path      string
	Base      string
	Candidate Candidate
	// FellBack is set when a preferred base was skipped as inaccessible.
	FellBack bool
	// Skipped lists the inaccessible bases in the order they were tried.
	Skipped []string
}

// ShortHostname truncates name at the first domain separator.
func ShortHostname(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	if len(name) > maxHostLen {
		name = name[:maxHostLen]
	}
	return name
}

// JobDirName is the job-level path segment.
func JobDirName(jobID uint32) string {
	return "job_" + strconv.FormatUint(uint64(jobID), 10)
}

// StepDirName is the step/task path segment.
func StepDirName(stepID, taskID uint32) string {
	return fmt.Sprintf("step_%d.%d", stepID, taskID)
}

// UsesStepDir reports whether id resolves below the job-level directory.
func UsesStepDir(id job.Identity, p policy.Policy, ignoreStep bool) bool {
	return !ignoreStep && p.CreatePerStep && !id.IsPseudoStep()
}

// Format builds the path for id under base. It has no side effects: equal
// inputs always give the same path. host is only used in per-node mode and
// must already be shortened.
func Format(id job.Identity, p policy.Policy, base, host string, ignoreStep bool) (string, error) {
	if !filepath.IsAbs(base) {
		return "", fault.New(fault.KindInvalidArgument, "format path", base, errors.New("base must be absolute"))
	}
	parts := []string{filepath.Clean(base), JobDirName(id.JobID)}
	if p.PerNode() {
		if host == "" || strings.ContainsRune(host, '/') {
			return "", fault.New(fault.KindInvalidArgument, "format path", base, fmt.Errorf("invalid host segment %q", host))
		}
		parts = append(parts, host)
	}
	if UsesStepDir(id, p, ignoreStep) {
		parts = append(parts, StepDirName(id.StepID, id.TaskID))
	}
	path := filepath.Join(parts...)
	if len(path) >= MaxPathLen {
		return "", fault.New(fault.KindPathTooLong, "format path", path[:64]+"...", fmt.Errorf("%d bytes", len(path)))
	}
	return path, nil
}

// Prober checks whether a base directory is usable by the current effective
// identity.
type Prober interface {
	Accessible(path string) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(path string) error

func (f ProberFunc) Accessible(path string) error { return f(path) }

// Formatter picks a base and formats the path.
type Formatter struct {
	// LocalBase is the built-in default prefix.
	LocalBase string
	// SharedBase is the shared-storage prefix; empty means not configured.
	SharedBase string
	// Hostname returns the node name; defaults to os.Hostname.
	Hostname func() (string, error)
	// Probe checks candidate bases; nil accepts every base.
	Probe Prober
}

type candidate struct {
	kind Candidate
	base string
}

func (f *Formatter) candidates(p policy.Policy) []candidate {
	var out []candidate
	if p.BasePath != "" {
		out = append(out, candidate{CandidateExplicit, p.BasePath})
	}
	if p.UseSharedStorage && f.SharedBase != "" {
		out = append(out, candidate{CandidateShared, f.SharedBase})
	}
	if f.LocalBase != "" {
		out = append(out, candidate{CandidateLocal, f.LocalBase})
	}
	return out
}

// Host returns the short host name used for per-node paths.
func (f *Formatter) Host() (string, error) {
	hostname := f.Hostname
	if hostname == nil {
		hostname = os.Hostname
	}
	name, err := hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}
	return ShortHostname(name), nil
}

// Resolve selects the first accessible base (explicit, then shared when
// requested, then the local default) and formats the path under it. Callers
// run it under the job owner's identity so the probe reflects what the job
// can reach.
func (f *Formatter) Resolve(id job.Identity, p policy.Policy, ignoreStep bool) (ResolvedPath, error) {
	if p.BasePath != "" && !filepath.IsAbs(p.BasePath) {
		return ResolvedPath{}, fault.New(fault.KindInvalidArgument, "resolve", p.BasePath, errors.New("base must be absolute"))
	}
	var host string
	if p.PerNode() {
		h, err := f.Host()
		if err != nil {
			return ResolvedPath{}, err
		}
		host = h
	}

	cands := f.candidates(p)
	if len(cands) == 0 {
		return ResolvedPath{}, fault.New(fault.KindBaseInaccessible, "resolve", "", errors.New("no base directory configured"))
	}

	var (
		skipped []string
		causes  []error
	)
	for _, c := range cands {
		if f.Probe != nil {
			if err := f.Probe.Accessible(c.base); err != nil {
				skipped = append(skipped, c.base)
				causes = append(causes, fmt.Errorf("%s base %s: %w", c.kind, c.base, err))
				continue
			}
		}
		path, err := Format(id, p, c.base, host, ignoreStep)
		if err != nil {
			return ResolvedPath{}, err
		}
		return ResolvedPath{
			Path:      path,
			Base:      filepath.Clean(c.base),
			Candidate: c.kind,
			FellBack:  len(skipped) > 0,
			Skipped:   skipped,
		}, nil
	}
	return ResolvedPath{}, fault.New(fault.KindBaseInaccessible, "resolve", strings.Join(skipped, ","), errors.Join(causes...))
}
