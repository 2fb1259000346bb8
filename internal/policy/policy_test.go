package policy

import (
	"errors"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/autotmpdir/internal/fault"
)

func TestParseDefaults(t *testing.T) {
	p, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), p)
	assert.True(t, p.CreatePerStep)
	assert.True(t, p.RemoveOnExit)
	assert.False(t, p.UseSharedStorage)
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Policy
	}{
		{
			name: "explicit base",
			args: []string{"--tmpdir=/scratch/me/"},
			want: Policy{BasePath: "/scratch/me", CreatePerStep: true, RemoveOnExit: true},
		},
		{
			name: "explicit base separate arg",
			args: []string{"--tmpdir", "/scratch/me"},
			want: Policy{BasePath: "/scratch/me", CreatePerStep: true, RemoveOnExit: true},
		},
		{
			name: "no step no rm",
			args: []string{"--no-step-tmpdir", "--no-rm-tmpdir"},
			want: Policy{},
		},
		{
			name: "shared without modifier",
			args: []string{"--use-shared-tmpdir"},
			want: Policy{CreatePerStep: true, RemoveOnExit: true, UseSharedStorage: true},
		},
		{
			name: "shared per node",
			args: []string{"--use-shared-tmpdir=per-node"},
			want: Policy{CreatePerStep: true, RemoveOnExit: true, UseSharedStorage: true, PerNodeSubdir: true},
		},
		{
			name: "optional arg does not swallow positional",
			args: []string{"--use-shared-tmpdir", "per-node"},
			want: Policy{CreatePerStep: true, RemoveOnExit: true, UseSharedStorage: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejectsBadValues(t *testing.T) {
	for _, args := range [][]string{
		{"--tmpdir=relative/dir"},
		{"--use-shared-tmpdir=per-rack"},
		{"--no-such-flag"},
	} {
		_, err := Parse(args)
		require.Error(t, err, "args %v", args)
		assert.True(t, errors.Is(err, fault.ErrInvalidArgument), "args %v: %v", args, err)
	}
}

func TestRegisterUsesNoOptDefault(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Register(fs)

	assert.Equal(t, NullArg, fs.Lookup(OptNoRmTmpdir).NoOptDefVal)
	assert.Equal(t, NullArg, fs.Lookup(OptUseSharedTmpdir).NoOptDefVal)
	assert.Empty(t, fs.Lookup(OptTmpdir).NoOptDefVal)
}

func TestWithSiteRules(t *testing.T) {
	local := Policy{CreatePerStep: true}
	assert.True(t, local.WithSiteRules(true).RemoveOnExit)
	assert.False(t, local.WithSiteRules(false).RemoveOnExit)
	assert.False(t, local.RemoveOnExit, "receiver must not change")

	shared := Policy{UseSharedStorage: true}
	assert.False(t, shared.WithSiteRules(true).RemoveOnExit)
}

func TestArgsReproducePolicy(t *testing.T) {
	p := Policy{BasePath: "/data", UseSharedStorage: true, PerNodeSubdir: true, RemoveOnExit: true}
	b := NewBuilder()
	for _, a := range p.Args() {
		require.NoError(t, b.Apply(a.Name, a.Value))
	}
	assert.Equal(t, p, b.Policy())
}

func TestFingerprint(t *testing.T) {
	a := Default()
	b := Default()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Fingerprint(), 32)

	b.RemoveOnExit = false
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}
