// Package policy holds the per-process tmpdir policy and the user-facing flag
// schema it is built from.
package policy

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Policy is built once per process and never mutated; derive a new value
// instead of changing one in place.
type Policy struct {
	// BasePath is an explicit base directory override. Empty means unset.
	BasePath string
	// CreatePerStep gives every real step/task its own sub-directory.
	CreatePerStep bool
	// RemoveOnExit removes directories at the owning exit callback.
	RemoveOnExit bool
	// UseSharedStorage places directories under the shared prefix.
	UseSharedStorage bool
	// PerNodeSubdir inserts the short host name below the job directory.
	// Only meaningful together with UseSharedStorage.
	PerNodeSubdir bool
}

// Default returns the policy used when no flags are given.
func Default() Policy {
	return Policy{
		CreatePerStep: true,
		RemoveOnExit:  true,
	}
}

// WithSiteRules applies site-wide overrides and returns the derived policy.
// With noRmSharedOnly, --no-rm-tmpdir is only honored for shared storage.
func (p Policy) WithSiteRules(noRmSharedOnly bool) Policy {
	if noRmSharedOnly && !p.UseSharedStorage {
		p.RemoveOnExit = true
	}
	return p
}

// PerNode reports whether a host segment goes into the path.
func (p Policy) PerNode() bool {
	return p.UseSharedStorage && p.PerNodeSubdir
}

// String is the canonical rendering used for logs and fingerprints.
func (p Policy) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "base=%q", p.BasePath)
	fmt.Fprintf(&b, " per_step=%t", p.CreatePerStep)
	fmt.Fprintf(&b, " remove=%t", p.RemoveOnExit)
	fmt.Fprintf(&b, " shared=%t", p.UseSharedStorage)
	fmt.Fprintf(&b, " per_node=%t", p.PerNode())
	return b.String()
}

// Fingerprint is a stable digest of the canonical rendering, handy for
// checking that the submission and execution side agree.
func (p Policy) Fingerprint() string {
	sum := blake3.Sum256([]byte(p.String()))
	return hex.EncodeToString(sum[:16])
}

// Arg is one flag in raw, re-parseable form.
type Arg struct {
	Name  string
	Value string
}

// Args renders the flags that reproduce p when applied to a fresh Builder.
// Options at their default value are omitted.
func (p Policy) Args() []Arg {
	var args []Arg
	if p.BasePath != "" {
		args = append(args, Arg{Name: OptTmpdir, Value: p.BasePath})
	}
	if !p.CreatePerStep {
		args = append(args, Arg{Name: OptNoStepTmpdir, Value: NullArg})
	}
	if !p.RemoveOnExit {
		args = append(args, Arg{Name: OptNoRmTmpdir, Value: NullArg})
	}
	if p.UseSharedStorage {
		v := NullArg
		if p.PerNodeSubdir {
			v = PerNodeArg
		}
		args = append(args, Arg{Name: OptUseSharedTmpdir, Value: v})
	}
	return args
}
