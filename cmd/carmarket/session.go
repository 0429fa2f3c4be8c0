package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/carmarket/internal/models"
	"github.com/TheMichaelB/carmarket/internal/services/auth"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and remove the stored session",
	RunE:  runLogout,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session",
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the session in sync with storage until interrupted",
	Long: `Watch restores the stored session and follows changes made by other
carmarket processes sharing the same storage. The session is dropped the
moment its token expires.`,
	RunE: runWatch,
}

var (
	watchInterval time.Duration
	statusRole    string
)

func init() {
	rootCmd.AddCommand(logoutCmd, statusCmd, watchCmd)

	statusCmd.Flags().StringVar(&statusRole, "role", "",
		"Also report whether the session was issued for this role")

	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Minute,
		"How often to print the remaining session time (0 disables)")
}

func runLogout(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	if _, err := apiClient.Start(ctx, false); err != nil {
		logger.WithError(err).Debug("No usable stored session")
	}

	if err := apiClient.Auth.Logout(ctx); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true})
	} else {
		printSuccess("Signed out")
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	_, rehydrateErr := apiClient.Start(ctx, false)
	st := apiClient.Auth.Status()

	if jsonOutput {
		out := map[string]interface{}{"session": st}
		if rehydrateErr != nil {
			out["discarded"] = rehydrateErr.Error()
		}
		if cfg.Auth.Email != "" {
			out["attempts"] = apiClient.Auth.AttemptStats(cfg.Auth.Email)
		}
		if statusRole != "" {
			out["has_role"] = apiClient.Auth.HasRole(statusRole)
		}
		printJSON(out)
		return nil
	}

	if rehydrateErr != nil {
		printWarning("Stored session discarded: %v", rehydrateErr)
	}

	if st.State != auth.StateAuthenticated {
		printInfo("Not signed in")
		return nil
	}

	printSuccess("Signed in as %s", st.User.Email)
	printInfo("  User ID:  %s", st.User.ID)
	if st.User.Role != "" {
		printInfo("  Role:     %s", st.User.Role)
	}
	if st.User.AuthProvider != "" {
		printInfo("  Provider: %s (mfa: %t)", st.User.AuthProvider, st.MfaCompleted)
		switch {
		case st.ExternalMFA:
			printInfo("  Sign-in:  password, second factor at external provider")
		case st.LocalAuth:
			printInfo("  Sign-in:  password")
		default:
			printInfo("  Sign-in:  identity provider")
		}
	}
	if len(st.TokenPermissions) > 0 {
		printInfo("  Token permissions: %s", strings.Join(st.TokenPermissions, ", "))
	}
	if statusRole != "" {
		if apiClient.Auth.HasRole(statusRole) {
			printSuccess("  Role %s: yes", statusRole)
		} else {
			printWarning("  Role %s: no", statusRole)
		}
	}
	printInfo("  Expires:  %s (in %s)", st.ExpiresAt.Local().Format(time.RFC1123), st.TimeUntilExpiry.Round(time.Second))
	if st.NeedsRefresh {
		printWarning("  Session is about to expire; sign in again soon")
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := apiClient.Start(ctx, true)
	if err != nil {
		return err
	}
	reportState("started", st)

	// SIGHUP re-reads storage and clears login throttling
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	var tick <-chan time.Time
	if watchInterval > 0 {
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	last := st
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-reload:
			apiClient.Auth.ResetAttempts()
			cur, err := apiClient.Auth.Rehydrate(ctx)
			if err != nil {
				logger.WithError(err).Info("Stored session discarded on reload")
			}
			reportState("reloaded", cur)
			last = cur

		case <-apiClient.Auth.Expired():
			reportState("expired", apiClient.Auth.State())
			last = auth.StateAnonymous

		case <-tick:
			cur := apiClient.Auth.Status()
			if cur.State != last {
				reportState("changed", cur.State)
				last = cur.State
			}
			if cur.State == auth.StateAuthenticated && !jsonOutput {
				printInfo("Session valid for %s", cur.TimeUntilExpiry.Round(time.Second))
			}
		}
	}
}

func reportState(event string, st auth.State) {
	if jsonOutput {
		printJSON(map[string]interface{}{
			"event": event,
			"state": st,
			"time":  time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	switch {
	case event == "expired":
		printWarning("Session expired, signed out")
	case st == auth.StateAuthenticated:
		printSuccess("Session active")
	default:
		printInfo("Not signed in (%s)", event)
	}
}

func requireSession(cmd *cobra.Command) error {
	if _, err := apiClient.Start(commandContext(cmd), false); err != nil {
		return fmt.Errorf("%w: %v", models.ErrNotAuthenticated, err)
	}
	if apiClient.Auth.State() != auth.StateAuthenticated {
		return models.ErrNotAuthenticated
	}
	return nil
}
