package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/heirloom/internal/schedule"
	"southwinds.dev/heirloom/internal/server"
)

var serveNoScheduler bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the vault over HTTP",
	Long: `Serve the vault API and evaluate release conditions on a schedule.
Requests must carry a bearer token signed with the configured auth key;
the token subject is the caller identity.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("address", "", "listen address")
	serveCmd.Flags().Duration("interval", 0, "condition evaluation interval")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "do not evaluate release conditions")

	for key, flag := range map[string]string{
		"server.address":     "address",
		"scheduler.interval": "interval",
	} {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind %s flag: %v", flag, err))
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	verifier, err := tokenVerifier()
	if err != nil {
		return err
	}

	srv, err := server.New(vault, verifier, server.Config{
		Address:   viper.GetString("server.address"),
		RateLimit: viper.GetFloat64("server.rate_limit"),
		RateBurst: viper.GetInt("server.rate_burst"),
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		errOnce.Do(func() {
			runErr = err
			stop()
		})
	}

	if !serveNoScheduler {
		sched, err := schedule.New(vault, viper.GetDuration("scheduler.interval"), logger)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(sched.Run(ctx))
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		fail(srv.Run(ctx))
	}()

	wg.Wait()
	return runErr
}

// tokenVerifier prefers the public key so a server never needs the
// signing key.
func tokenVerifier() (server.TokenVerifier, error) {
	issuer := viper.GetString("auth.issuer")
	if encoded := viper.GetString("auth.verify_key"); encoded != "" {
		pub, err := server.DecodePublicKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("auth.verify_key: %w", err)
		}
		return server.NewVerifier(pub, issuer), nil
	}
	signer, err := tokenSigner()
	if err != nil {
		return nil, fmt.Errorf("auth.verify_key or auth.signing_key is required: %w", err)
	}
	return signer, nil
}
