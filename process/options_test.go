package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_Precedence(t *testing.T) {
	custom := NewOptions(
		Option{Key: "config", Value: "/etc/openvpn/client.ovpn"},
		Option{Key: "auth-retry", Value: "nointeract"},
		Option{Key: "port", Value: "443"},
	)
	mandatory := NewOptions(
		Option{Key: "client"},
		Option{Key: "auth-retry", Value: "interact"},
	)
	defaults := NewOptions(
		Option{Key: "port", Value: "1194"},
		Option{Key: "ping", Value: "10"},
	)

	merged := Merge(custom, mandatory, defaults)

	v, _ := merged.Get("auth-retry")
	assert.Equal(t, "interact", v, "mandatory must override custom")
	v, _ = merged.Get("port")
	assert.Equal(t, "443", v, "defaults must not override custom")
	v, ok := merged.Get("ping")
	assert.True(t, ok)
	assert.Equal(t, "10", v)
	assert.Equal(t,
		"--config /etc/openvpn/client.ovpn --auth-retry interact --port 443 --client --ping 10",
		merged.CommandLine())
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	custom := NewOptions(Option{Key: "proto", Value: "tcp"})
	mandatory := NewOptions(Option{Key: "proto", Value: "udp"})

	_ = Merge(custom, mandatory, Options{})

	v, _ := custom.Get("proto")
	assert.Equal(t, "tcp", v)
	assert.Equal(t, 1, custom.Len())
}

func TestBuildOptions_Idempotent(t *testing.T) {
	cfg := LaunchConfig{
		Custom:  NewOptions(Option{Key: "config", Value: QuoteArg("/tmp/my client.ovpn")}, Option{Key: "verb", Value: "3"}),
		LogFile: "/var/log/vpnctl/openvpn.log",
	}

	first := BuildOptions("vpn.example.com", 31000, "/run/pw", cfg).CommandLine()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, BuildOptions("vpn.example.com", 31000, "/run/pw", cfg).CommandLine())
	}
}

func TestBuildOptions_Content(t *testing.T) {
	opts := BuildOptions("vpn.example.com", 31000, "/run/pw", LaunchConfig{
		Custom: NewOptions(Option{Key: "management", Value: "0.0.0.0 1"}),
	})

	mgmt, _ := opts.Get("management")
	assert.Equal(t, "127.0.0.1 31000 /run/pw", mgmt)
	remote, _ := opts.Get("remote")
	assert.Equal(t, "vpn.example.com", remote)
	for _, key := range []string{"client", "nobind", "auth-nocache", "management-hold", "management-query-passwords", "explicit-exit-notify"} {
		assert.True(t, opts.Has(key), key)
	}
	proto, _ := opts.Get("proto")
	assert.Equal(t, "udp", proto)
	assert.False(t, opts.Has("log-append"))
}

func TestBuildOptions_TCPDropsExitNotify(t *testing.T) {
	for _, proto := range []string{"tcp", "tcp-client", "TCP4"} {
		t.Run(proto, func(t *testing.T) {
			opts := BuildOptions("h", 30001, "", LaunchConfig{
				Custom: NewOptions(Option{Key: "proto", Value: proto}),
			})
			assert.False(t, opts.Has("explicit-exit-notify"))
		})
	}
}

func TestOptions_Args(t *testing.T) {
	opts := NewOptions(
		Option{Key: "client"},
		Option{Key: "config", Value: quoteArg("/home/me/My VPN/client.ovpn", false)},
		Option{Key: "management", Value: "127.0.0.1 31000 " + quoteArg("/tmp/pw file", false)},
	)

	args, err := opts.Args()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--client",
		"--config", "/home/me/My VPN/client.ovpn",
		"--management", "127.0.0.1", "31000", "/tmp/pw file",
	}, args)
}

func TestQuoteArg(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		windows bool
		want    string
	}{
		{"plain", "udp", false, "udp"},
		{"space", "/a b/c", false, `"/a b/c"`},
		{"empty", "", false, `""`},
		{"windows backslash", `C:\ovpn\pw`, true, `C:\\ovpn\\pw`},
		{"windows space", `C:\Program Files\x`, true, `"C:\\Program Files\\x"`},
		{"embedded quote", `a"b c`, false, `"a\"b c"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, quoteArg(tt.in, tt.windows))
		})
	}
}

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(`--cipher AES-256-GCM --verb 3 --pull --config "/etc/my vpn.ovpn" --verb 4`)
	require.NoError(t, err)

	assert.Equal(t, 4, opts.Len())
	v, _ := opts.Get("verb")
	assert.Equal(t, "4", v)
	v, _ = opts.Get("pull")
	assert.Equal(t, "", v)
	v, _ = opts.Get("config")
	assert.Equal(t, `"/etc/my vpn.ovpn"`, v)

	_, err = ParseOptions("stray --verb 3")
	assert.Error(t, err)
}

func TestFreePortInRange(t *testing.T) {
	port, err := FreePortInRange(30000, 40000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 30000)
	assert.LessOrEqual(t, port, 40000)

	_, err = FreePortInRange(10, 5)
	assert.Error(t, err)
}
