package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/omero-tools/omerows/internal/omero"
)

// gatherCredentials assembles a username/password pair from flags, the
// environment and, as a last resort, an interactive prompt. The password is
// handed over as bytes so the login flow can zero it after use.
func gatherCredentials(serverURI, username, passwordEnv string, in io.Reader) (*omero.Credentials, error) {
	reader := bufio.NewReader(in)

	if username == "" {
		fmt.Fprintf(os.Stderr, "OMERO server: %s\n", serverURI)
		fmt.Fprint(os.Stderr, "Username: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}

	password, err := gatherPassword(passwordEnv, reader)
	if err != nil {
		return nil, err
	}

	return &omero.Credentials{Username: username, Password: password}, nil
}

// gatherPassword resolves the password source in order: environment
// variable, interactive no-echo prompt, plain stdin line (pipes).
func gatherPassword(passwordEnv string, reader *bufio.Reader) ([]byte, error) {
	if passwordEnv != "" {
		value, ok := os.LookupEnv(passwordEnv)
		if !ok {
			return nil, fmt.Errorf("environment variable %s is not set", passwordEnv)
		}
		// Shrink the exposure: the process environment itself cannot be
		// scrubbed, but our copy can.
		return []byte(value), nil
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		return password, nil
	}

	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
