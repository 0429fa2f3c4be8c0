package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/carmarket/internal/callback"
	"github.com/TheMichaelB/carmarket/internal/models"
	"github.com/TheMichaelB/carmarket/internal/services/auth"
	"github.com/TheMichaelB/carmarket/internal/services/totp"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the marketplace",
	Long: `Login exchanges credentials for a session token and stores it for later
commands. Accounts protected by an external MFA provider, and Google sign-in,
finish in the browser; the command waits for the provider to redirect back.`,
	Example: `  carmarket login --email user@example.com
  carmarket login --email user@example.com --totp JBSWY3DPEHPK3PXP
  carmarket login --google`,
	RunE: runLogin,
}

var (
	loginEmail    string
	loginPassword string
	loginGoogle   bool
	loginWait     time.Duration
)

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "",
		"Email address (defaults to auth.email)")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "",
		"Password (will prompt if not provided)")
	loginCmd.Flags().String("totp", "",
		"TOTP secret; a generated code is sent instead of the MFA flag")
	loginCmd.Flags().BoolVar(&loginGoogle, "google", false,
		"Sign in with Google in the browser")
	loginCmd.Flags().DurationVar(&loginWait, "wait", 5*time.Minute,
		"How long to wait for the browser step to finish")
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := apiClient.Start(ctx, false); err != nil {
		logger.WithError(err).Debug("No usable stored session")
	}

	if loginGoogle {
		srv, err := startCallbackServer()
		if err != nil {
			return err
		}
		defer shutdownCallbackServer(srv)

		if _, err := apiClient.Auth.BeginGoogleLogin(ctx); err != nil {
			return err
		}
		return waitForCallback(ctx, srv)
	}

	if loginEmail == "" {
		loginEmail = cfg.Auth.Email
	}
	if loginEmail == "" {
		return fmt.Errorf("--email is required (or set auth.email)")
	}

	if cfg.Auth.TOTPSecret != "" {
		if err := totp.NewService().IsValidSecret(cfg.Auth.TOTPSecret); err != nil {
			return err
		}
	}

	if loginPassword == "" {
		loginPassword = cfg.Auth.Password
	}
	if loginPassword == "" {
		var err error
		loginPassword, err = promptPassword("Password: ")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
	}

	// Start listening before the provider can redirect back
	var srv *callback.Server
	if cfg.Auth.CallbackAddr != "" {
		s, err := startCallbackServer()
		if err != nil {
			logger.WithError(err).Warn("MFA callback listener unavailable")
		} else {
			srv = s
			defer shutdownCallbackServer(srv)
		}
	}

	res, err := apiClient.Auth.Login(ctx, loginEmail, loginPassword)
	if err != nil {
		reportLogin(res, err)
		return reportedError{err}
	}

	if res.Outcome == auth.OutcomeMfaRequired {
		if srv == nil {
			return fmt.Errorf("MFA required but no callback listener is running (set auth.callback_addr)")
		}
		if !jsonOutput {
			printInfo("Waiting for MFA approval...")
		}
		return waitForCallback(ctx, srv)
	}

	reportLogin(res, nil)
	return nil
}

func startCallbackServer() (*callback.Server, error) {
	srv := callback.New(cfg.Auth.CallbackAddr, apiClient.Auth, logger)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}

func shutdownCallbackServer(srv *callback.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Debug("Callback server shutdown")
	}
}

func waitForCallback(ctx context.Context, srv *callback.Server) error {
	ctx, cancel := context.WithTimeout(ctx, loginWait)
	defer cancel()

	result, err := srv.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for browser sign-in: %w", err)
	}

	reportLogin(result.Login, result.Err)
	if result.Err != nil {
		return reportedError{result.Err}
	}
	return nil
}

func reportLogin(res *auth.LoginResult, err error) {
	if jsonOutput {
		out := map[string]interface{}{
			"success": err == nil,
		}
		if res != nil {
			out["outcome"] = res.Outcome
			out["identity"] = res.Identity
			if res.RetryAfter > 0 {
				out["retry_after_seconds"] = models.RetrySeconds(res.RetryAfter)
			}
			if err == nil {
				out["user"] = res.User
			}
		}
		if err != nil {
			out["error"] = err.Error()
		}
		printJSON(out)
		return
	}

	if err != nil {
		if res != nil && res.Message != "" {
			printError("Login failed: %s", res.Message)
		} else {
			printError("Login failed: %v", err)
		}
		if res != nil && res.RetryAfter > 0 && !res.Blocked {
			printWarning("Retry in %ds", models.RetrySeconds(res.RetryAfter))
		}
		return
	}

	printSuccess("Signed in as %s", res.User.Email)
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}

	return string(password), nil
}
