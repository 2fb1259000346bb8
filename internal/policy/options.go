package policy

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/autotmpdir/internal/fault"
)

// Option names as seen on the command line.
const (
	OptTmpdir          = "tmpdir"
	OptNoStepTmpdir    = "no-step-tmpdir"
	OptNoRmTmpdir      = "no-rm-tmpdir"
	OptUseSharedTmpdir = "use-shared-tmpdir"
)

// NullArg is the value a flag carries when it was given without an argument.
const NullArg = "(null)"

// PerNodeArg is the only value --use-shared-tmpdir accepts.
const PerNodeArg = "per-node"

// ArgMode says whether an option takes an argument.
type ArgMode int

const (
	NoArg ArgMode = iota
	OptionalArg
	RequiredArg
)

// Option is one entry of the flag schema.
type Option struct {
	Name  string
	Usage string
	Arg   ArgMode
	apply func(p *Policy, raw string) error
}

var options = []Option{
	{
		Name:  OptTmpdir,
		Usage: "Create temporary directories under this absolute base path instead of the site default.",
		Arg:   RequiredArg,
		apply: func(p *Policy, raw string) error {
			if raw == "" || raw == NullArg {
				return fault.New(fault.KindInvalidArgument, "--"+OptTmpdir, "", fmt.Errorf("a path is required"))
			}
			if !filepath.IsAbs(raw) {
				return fault.New(fault.KindInvalidArgument, "--"+OptTmpdir, raw, fmt.Errorf("path must be absolute"))
			}
			p.BasePath = filepath.Clean(raw)
			return nil
		},
	},
	{
		Name:  OptNoStepTmpdir,
		Usage: "Do not create per-step sub-directories; all steps share the job directory.",
		Arg:   NoArg,
		apply: func(p *Policy, _ string) error {
			p.CreatePerStep = false
			return nil
		},
	},
	{
		Name:  OptNoRmTmpdir,
		Usage: "Do not automatically remove temporary directories for the job/steps.",
		Arg:   NoArg,
		apply: func(p *Policy, _ string) error {
			p.RemoveOnExit = false
			return nil
		},
	},
	{
		Name:  OptUseSharedTmpdir,
		Usage: `Create temporary directories on shared storage (overridden by --tmpdir). Use "--use-shared-tmpdir=per-node" to create unique sub-directories for each node allocated to the job (e.g. <base>/job_<id>/<nodename>).`,
		Arg:   OptionalArg,
		apply: func(p *Policy, raw string) error {
			if raw != "" && raw != NullArg {
				if raw != PerNodeArg {
					return fault.New(fault.KindInvalidArgument, "--"+OptUseSharedTmpdir, "", fmt.Errorf("invalid optional value %q", raw))
				}
				p.PerNodeSubdir = true
			}
			p.UseSharedStorage = true
			return nil
		},
	},
}

// Options returns the flag schema in registration order.
func Options() []Option {
	out := make([]Option, len(options))
	copy(out, options)
	return out
}

func lookup(name string) (Option, bool) {
	for _, o := range options {
		if o.Name == name {
			return o, true
		}
	}
	return Option{}, false
}

// Builder accumulates flag values into a Policy.
type Builder struct {
	p   Policy
	err error
}

// NewBuilder starts from Default().
func NewBuilder() *Builder {
	return &Builder{p: Default()}
}

// Apply runs the parse routine of the named option on raw. Applying the same
// raw value twice yields the same policy.
func (b *Builder) Apply(name, raw string) error {
	o, ok := lookup(name)
	if !ok {
		return fault.New(fault.KindInvalidArgument, "apply option", "", fmt.Errorf("unknown option %q", name))
	}
	return o.apply(&b.p, raw)
}

// Policy returns the accumulated policy by value.
func (b *Builder) Policy() Policy {
	return b.p
}

type optionValue struct {
	b    *Builder
	opt  Option
	last string
}

var _ pflag.Value = (*optionValue)(nil)

func (v *optionValue) String() string { return v.last }

func (v *optionValue) Set(s string) error {
	if err := v.b.Apply(v.opt.Name, s); err != nil {
		// pflag flattens Set errors into text; keep the classified one.
		if v.b.err == nil {
			v.b.err = err
		}
		return err
	}
	v.last = s
	return nil
}

func (v *optionValue) Type() string {
	if v.opt.Arg == NoArg {
		return "bool"
	}
	return "string"
}

// Register adds the flag schema to fs and returns the Builder the flags feed.
func Register(fs *pflag.FlagSet) *Builder {
	b := NewBuilder()
	for _, o := range options {
		f := fs.VarPF(&optionValue{b: b, opt: o}, o.Name, "", o.Usage)
		if o.Arg != RequiredArg {
			f.NoOptDefVal = NullArg
		}
	}
	return b
}

// Parse builds a Policy from command-line style arguments.
func Parse(args []string) (Policy, error) {
	fs := pflag.NewFlagSet("autotmpdir", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	b := Register(fs)
	if err := fs.Parse(args); err != nil {
		return Policy{}, b.ParseError(err)
	}
	return b.Policy(), nil
}

// ParseError returns the classified error behind a failed flag parse.
func (b *Builder) ParseError(err error) error {
	if b.err != nil {
		return b.err
	}
	return fault.New(fault.KindInvalidArgument, "parse flags", "", err)
}
