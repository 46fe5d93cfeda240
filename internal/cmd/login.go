package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omero-tools/omerows/internal/config"
	"github.com/omero-tools/omerows/internal/logging"
	"github.com/omero-tools/omerows/internal/omero"
)

var (
	loginUsername    string
	loginPasswordEnv string
)

// loginCmd represents the login command
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to an OMERO server and keep the session alive",
	Long: `Log in to an OMERO server and hold the session open.

The session is kept alive with a periodic heartbeat until the process
receives SIGINT or SIGTERM, at which point the client logs out.

Credentials are gathered from --username and --password-env, falling back
to an interactive prompt. The password is never written to disk and its
in-memory copies are zeroed after the login request.

Example:
  omerows login --server https://omero.example.org --username alice
  OMERO_PASSWORD=... omerows login --server https://omero.example.org \
      --username alice --password-env OMERO_PASSWORD`,
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "Username (prompted when omitted)")
	loginCmd.Flags().StringVar(&loginPasswordEnv, "password-env", "", "Name of an environment variable holding the password")
}

func runLogin(cmd *cobra.Command, args []string) error {
	server, err := resolveServer()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := omero.Connect(ctx, server,
		omero.WithTimeout(cfg.HTTP.Timeout.Std()),
		omero.WithKeepAliveInterval(cfg.KeepAlive.Interval.Std()))
	if err != nil {
		return err
	}

	creds, err := gatherCredentials(client.ServerURI().String(), loginUsername, loginPasswordEnv, os.Stdin)
	if err != nil {
		return err
	}

	result, err := client.Login(ctx, creds)
	if err != nil {
		return fmt.Errorf("login to %s failed: %w", client.ServerURI(), err)
	}

	fmt.Printf("Logged in to %s as %q (user id %d, group %q)\n",
		client.ServerURI(), result.Username, result.UserID, result.DefaultGroup.Name)
	if result.AccountSwitched {
		fmt.Printf("Account switched from %q to %q\n", result.PreviousUsername, result.Username)
	}
	if client.HasMicroservice() {
		fmt.Println("Image-region microservice detected: raw tile retrieval available")
	}

	// Apply log-level changes from the config file while the session runs.
	watcher, werr := config.NewWatcher(cfgPath, applyLogConfig, logging.Session())
	if werr == nil {
		if err := watcher.Start(); err == nil {
			defer watcher.Close()
		}
	}

	fmt.Println("Session active; press Ctrl-C to log out.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	<-sigChan

	if !client.LoggedIn() {
		fmt.Println("Session already expired server-side; nothing to log out.")
		return nil
	}

	if err := client.Logout(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	fmt.Println("Logged out.")
	return nil
}

// applyLogConfig re-initializes logging from a freshly reloaded config.
// Flag overrides keep precedence over the file.
func applyLogConfig(newCfg *config.Config) {
	level := newCfg.Log.Level
	if debug {
		level = "debug"
	}
	if logLevel != "" {
		level = logLevel
	}
	file := newCfg.Log.File
	if logFile != "" {
		file = logFile
	}
	logging.Initialize(logging.Config{
		Level: level,
		JSON:  newCfg.Log.JSON,
		File: logging.FileConfig{
			Path:       file,
			MaxSizeMB:  newCfg.Log.MaxSizeMB,
			MaxBackups: newCfg.Log.MaxBackups,
			Compress:   newCfg.Log.Compress,
		},
	})
}
