package process

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/google/shlex"
)

// Option is one --key value pair. Value is a command line fragment and may
// hold several already-quoted tokens; an empty Value renders a bare flag.
type Option struct {
	Key   string
	Value string
}

// Options is an ordered option set with unique keys. Methods never mutate
// the receiver.
type Options struct {
	list []Option
}

// NewOptions builds an option set. A repeated key keeps its first position
// and takes the last value.
func NewOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		o = o.With(opt.Key, opt.Value)
	}
	return o
}

func normalizeKey(key string) string {
	return strings.TrimPrefix(strings.TrimSpace(key), "--")
}

func (o Options) index(key string) int {
	key = normalizeKey(key)
	for i, opt := range o.list {
		if opt.Key == key {
			return i
		}
	}
	return -1
}

// Get returns the value for key.
func (o Options) Get(key string) (string, bool) {
	if i := o.index(key); i >= 0 {
		return o.list[i].Value, true
	}
	return "", false
}

// Has reports whether key is present.
func (o Options) Has(key string) bool {
	return o.index(key) >= 0
}

// Len returns the number of options.
func (o Options) Len() int {
	return len(o.list)
}

// List returns a copy of the options in order.
func (o Options) List() []Option {
	out := make([]Option, len(o.list))
	copy(out, o.list)
	return out
}

// With returns a copy with key set to value.
func (o Options) With(key, value string) Options {
	key = normalizeKey(key)
	out := o.List()
	if i := o.index(key); i >= 0 {
		out[i].Value = value
		return Options{list: out}
	}
	return Options{list: append(out, Option{Key: key, Value: value})}
}

// Without returns a copy with key removed.
func (o Options) Without(key string) Options {
	i := o.index(key)
	if i < 0 {
		return o
	}
	out := make([]Option, 0, len(o.list)-1)
	out = append(out, o.list[:i]...)
	out = append(out, o.list[i+1:]...)
	return Options{list: out}
}

// Merge layers custom options under mandatory ones and over defaults:
// mandatory values replace custom values of the same key, defaults only
// fill keys that are still missing. Custom keys keep their order, new
// mandatory keys follow, then defaults.
func Merge(custom, mandatory, defaults Options) Options {
	out := custom
	for _, opt := range mandatory.list {
		out = out.With(opt.Key, opt.Value)
	}
	for _, opt := range defaults.list {
		if !out.Has(opt.Key) {
			out = out.With(opt.Key, opt.Value)
		}
	}
	return out
}

// CommandLine renders the options as "--key value" pairs joined by spaces.
func (o Options) CommandLine() string {
	var b strings.Builder
	for i, opt := range o.list {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("--")
		b.WriteString(opt.Key)
		if opt.Value != "" {
			b.WriteByte(' ')
			b.WriteString(opt.Value)
		}
	}
	return b.String()
}

// Args splits the rendered command line into an argv slice.
func (o Options) Args() ([]string, error) {
	args, err := shlex.Split(o.CommandLine())
	if err != nil {
		return nil, fmt.Errorf("split command line: %w", err)
	}
	return args, nil
}

// ParseOptions parses a user supplied string such as
// `--cipher AES-256-GCM --verb 3 --config "/etc/my vpn.ovpn"`.
func ParseOptions(s string) (Options, error) {
	tokens, err := shlex.Split(s)
	if err != nil {
		return Options{}, fmt.Errorf("parse options: %w", err)
	}

	var (
		out    Options
		key    string
		values []string
	)
	flush := func() {
		if key != "" {
			out = out.With(key, strings.Join(values, " "))
		}
		key, values = "", nil
	}
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "--") && len(tok) > 2 {
			flush()
			key = tok[2:]
			continue
		}
		if key == "" {
			return Options{}, fmt.Errorf("parse options: value %q has no preceding --key", tok)
		}
		values = append(values, QuoteArg(tok))
	}
	flush()
	return out, nil
}

// QuoteArg quotes s when it contains whitespace. On Windows backslashes are
// doubled so the value survives the quoting.
func QuoteArg(s string) string {
	return quoteArg(s, runtime.GOOS == "windows")
}

func quoteArg(s string, doubleBackslash bool) string {
	if doubleBackslash {
		s = strings.ReplaceAll(s, `\`, `\\`)
	}
	if s == "" || strings.ContainsAny(s, " \t\"") {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return s
}
