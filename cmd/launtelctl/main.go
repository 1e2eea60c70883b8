// Command launtelctl drives the Launtel residential portal from a shell:
// list services and plans, read the balance and request plan changes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	portal "launtelha/internal/provider/launtel"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globalFlags struct {
	username string
	password string
	baseURL  string
	timeout  time.Duration
	debug    bool
}

// newClient builds a portal client from flags, falling back to the
// environment for credentials.
func (g *globalFlags) newClient() (*portal.Client, error) {
	username, password := g.username, g.password
	if username == "" {
		username = os.Getenv("LAUNTEL_USERNAME")
	}
	if password == "" {
		password = os.Getenv("LAUNTEL_PASSWORD")
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("credentials required: use --username/--password or LAUNTEL_USERNAME/LAUNTEL_PASSWORD")
	}

	logger := zap.NewNop()
	if g.debug {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
		logger = l
	}

	return portal.NewClient(portal.Config{
		BaseURL:  g.baseURL,
		Username: username,
		Password: password,
		Timeout:  g.timeout,
	}, logger)
}

func main() {
	_ = godotenv.Load()

	var g globalFlags
	root := &cobra.Command{
		Use:           "launtelctl",
		Short:         "Inspect and change Launtel plans",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&g.username, "username", "", "Portal username (default $LAUNTEL_USERNAME)")
	root.PersistentFlags().StringVar(&g.password, "password", "", "Portal password (default $LAUNTEL_PASSWORD)")
	root.PersistentFlags().StringVar(&g.baseURL, "portal-url", portal.DefaultBaseURL, "Portal base URL")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "Per-request timeout")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")

	root.AddCommand(servicesCmd(&g))
	root.AddCommand(plansCmd(&g))
	root.AddCommand(changePlanCmd(&g))
	root.AddCommand(balanceCmd(&g))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
