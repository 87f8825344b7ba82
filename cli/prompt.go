package cli

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/yllada/vpnctl/common"
	"github.com/yllada/vpnctl/keyring"
	"github.com/yllada/vpnctl/vpn"
)

// terminalPrompt reads a password from in without echo. It fails when in
// is not a terminal.
func terminalPrompt(in *os.File, out io.Writer) keyring.PromptFunc {
	return func(username string, t vpn.ConnectionType) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("%w: no terminal to ask for the password", common.ErrCredentialsNotFound)
		}
		fmt.Fprintf(out, "Password for %s (%s): ", username, t)
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		if len(pw) == 0 {
			return "", common.ErrCancelled
		}
		return string(pw), nil
	}
}
