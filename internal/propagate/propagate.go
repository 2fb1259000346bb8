// Package propagate carries a Policy from the submission-side process to the
// execution-side processes through environment variables, the only state the
// two sides share.
package propagate

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/autotmpdir/internal/policy"
)

// Prefix is prepended to every propagated flag. It matches the naming the
// scheduler uses when it forwards plugin options to remote processes.
const Prefix = "SLURM_SPANK__SLURM_SPANK_OPTION_auto_tmpdir_"

// Entry is a single environment variable.
type Entry struct {
	Key   string
	Value string
}

func (e Entry) String() string {
	return e.Key + "=" + e.Value
}

// Key returns the environment key for a flag name.
func Key(flagName string) string {
	return Prefix + strings.ReplaceAll(flagName, "-", "_")
}

// Encode serializes p. The result is in flag-table order so repeated calls
// produce identical output.
func Encode(p policy.Policy) []Entry {
	args := p.Args()
	entries := make([]Entry, 0, len(args))
	for _, a := range args {
		entries = append(entries, Entry{Key: Key(a.Name), Value: a.Value})
	}
	return entries
}

// Decode rebuilds a Policy by re-running each option's parse routine on the
// values found through lookup. Absent keys keep their defaults.
func Decode(lookup func(key string) (string, bool)) (policy.Policy, error) {
	b := policy.NewBuilder()
	for _, o := range policy.Options() {
		v, ok := lookup(Key(o.Name))
		if !ok {
			continue
		}
		if err := b.Apply(o.Name, v); err != nil {
			return policy.Policy{}, fmt.Errorf("decode %s: %w", Key(o.Name), err)
		}
	}
	return b.Policy(), nil
}

// Export pushes the encoded policy through setenv.
func Export(p policy.Policy, setenv func(key, value string) error) error {
	for _, e := range Encode(p) {
		if err := setenv(e.Key, e.Value); err != nil {
			return fmt.Errorf("export %s: %w", e.Key, err)
		}
	}
	return nil
}

// MapLookup adapts a map to the lookup signature Decode expects.
func MapLookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

// EnvironLookup adapts KEY=VALUE strings to the lookup signature.
func EnvironLookup(environ []string) func(string) (string, bool) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	return MapLookup(env)
}
