package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"broker-gateway/internal/api"
	"broker-gateway/internal/models"
	"broker-gateway/internal/security"
	"broker-gateway/pkg/utils"
)

// withServices builds the core for one command and closes it afterwards.
func (app *App) withServices(cmd *cobra.Command, fn func(ctx context.Context, svc *Services) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := app.Build(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func userFlag(cmd *cobra.Command) (string, error) {
	user, _ := cmd.Flags().GetString("user")
	if err := security.ValidateUserID(user); err != nil {
		return "", fmt.Errorf("--user: %w", err)
	}
	return user, nil
}

func brokerArg(raw string) (models.BrokerID, error) {
	id, ok := models.ParseBrokerID(raw)
	if !ok {
		return "", fmt.Errorf("unknown broker %q (valid: %s)", raw, joinBrokers(models.AllBrokers))
	}
	return id, nil
}

// addCredentialCommands adds credential and session commands.
func addCredentialCommands(rootCmd *cobra.Command, app *App) {
	creds := &cobra.Command{
		Use:   "creds",
		Short: "Manage stored broker credentials",
		Long:  "Store, inspect and remove per-user broker credentials. Secrets are encrypted at rest.",
	}
	creds.PersistentFlags().String("user", "", "gateway user ID")
	creds.AddCommand(newCredsSetCmd(app), newCredsStatusCmd(app), newCredsDeleteCmd(app))
	rootCmd.AddCommand(creds)

	login := newLoginCmd(app)
	login.Flags().String("user", "", "gateway user ID")
	logout := newLogoutCmd(app)
	logout.Flags().String("user", "", "gateway user ID")
	token := newTokenCmd(app)
	token.Flags().String("user", "", "gateway user ID")
	rootCmd.AddCommand(login, logout, token)
}

func newCredsSetCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <broker>",
		Short: "Store API credentials for a broker",
		Long: `Store API credentials for a broker. Any existing session is discarded
and the credential must be logged in again.

Examples:
  gateway creds set zerodha --user alice --api-key KEY --api-secret SECRET
  gateway creds set angelone --user alice --api-key KEY --client-code A123 --totp-secret BASE32`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			user, err := userFlag(cmd)
			if err != nil {
				return err
			}
			id, err := brokerArg(args[0])
			if err != nil {
				return err
			}
			apiKey, _ := cmd.Flags().GetString("api-key")
			apiSecret, _ := cmd.Flags().GetString("api-secret")
			clientCode, _ := cmd.Flags().GetString("client-code")
			totpSecret, _ := cmd.Flags().GetString("totp-secret")
			if apiKey == "" {
				return fmt.Errorf("--api-key is required")
			}

			return app.withServices(cmd, func(ctx context.Context, svc *Services) error {
				cred := &models.Credential{
					UserID:     user,
					BrokerID:   id,
					APIKey:     apiKey,
					APISecret:  apiSecret,
					ClientCode: clientCode,
					TOTPSecret: totpSecret,
				}
				err := svc.Sessions.SaveCredentials(ctx, cred)
				_ = svc.Audit.LogSession(ctx, security.AuditCredentialsSaved, user, string(id), err)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{
						"broker":  id,
						"status":  cred.Status,
						"api_key": security.MaskCredential(apiKey),
					})
				}
				output.Success("✓ Credentials stored for %s", id)
				output.Dim("Run 'gateway login %s --user %s' to start a session.", id, user)
				return nil
			})
		},
	}
	cmd.Flags().String("api-key", "", "broker API key")
	cmd.Flags().String("api-secret", "", "broker API secret")
	cmd.Flags().String("client-code", "", "broker client code (angelone)")
	cmd.Flags().String("totp-secret", "", "base32 TOTP secret for unattended login (angelone)")
	return cmd
}

func newCredsStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show credential and session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			user, err := userFlag(cmd)
			if err != nil {
				return err
			}
			return app.withServices(cmd, func(ctx context.Context, svc *Services) error {
				list, err := svc.Sessions.Status(ctx, user)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"credentials": list})
				}
				if len(list) == 0 {
					output.Warning("No credentials stored for %s", user)
					return nil
				}
				table := NewTable(output, "BROKER", "STATUS", "API KEY", "LAST LOGIN", "EXPIRES")
				for _, s := range list {
					table.AddRow(
						string(s.BrokerID),
						output.Status(s.Status),
						s.APIKey,
						formatTime(s.LastAuthenticatedAt),
						formatExpiry(s.ExpiresAt),
					)
				}
				table.Render()
				return nil
			})
		},
	}
}

func newCredsDeleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <broker>",
		Short: "Remove stored credentials for a broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			user, err := userFlag(cmd)
			if err != nil {
				return err
			}
			id, err := brokerArg(args[0])
			if err != nil {
				return err
			}
			return app.withServices(cmd, func(ctx context.Context, svc *Services) error {
				err := svc.Sessions.DeleteCredentials(ctx, user, id)
				_ = svc.Audit.LogSession(ctx, security.AuditCredentialsDeleted, user, string(id), err)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"broker": id, "deleted": true})
				}
				output.Success("✓ Credentials removed for %s", id)
				return nil
			})
		},
	}
}

// loginURLer is implemented by brokers whose login starts in a browser.
type loginURLer interface {
	LoginURL(apiKey string) string
}

func newLoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <broker>",
		Short: "Start a broker session",
		Long: `Exchange login material for a broker session.

Zerodha and Fyers issue a one-time code after a browser login; pass it with
--code. Without --code the Zerodha login URL is printed. Angel One logs in
with the stored client code, --pin and a TOTP that is generated from the
stored secret when --totp is omitted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			user, err := userFlag(cmd)
			if err != nil {
				return err
			}
			id, err := brokerArg(args[0])
			if err != nil {
				return err
			}
			code, _ := cmd.Flags().GetString("code")
			pin, _ := cmd.Flags().GetString("pin")
			totp, _ := cmd.Flags().GetString("totp")

			return app.withServices(cmd, func(ctx context.Context, svc *Services) error {
				adapter, err := svc.Registry.Adapter(id)
				if err != nil {
					return err
				}
				if u, ok := adapter.(loginURLer); ok && code == "" {
					cred, err := svc.Cache.Get(ctx, user, id)
					if err != nil {
						return err
					}
					url := u.LoginURL(cred.APIKey)
					if output.IsJSON() {
						return output.JSON(map[string]string{"login_url": url})
					}
					output.Info("Open this URL and log in:")
					output.Println("  " + url)
					output.Dim("Then run 'gateway login %s --user %s --code <request_token>'.", id, user)
					return nil
				}

				summary, err := svc.Sessions.Authenticate(ctx, user, id, models.AuthRequest{
					Code: code,
					PIN:  pin,
					TOTP: totp,
				})
				if err != nil {
					_ = svc.Audit.LogSession(ctx, security.AuditAuthFailed, user, string(id), err)
					return err
				}
				_ = svc.Audit.LogSession(ctx, security.AuditLogin, user, string(id), nil)
				if output.IsJSON() {
					return output.JSON(summary)
				}
				output.Success("✓ Logged in to %s", id)
				output.Printf("  Expires: %s\n", formatExpiry(summary.ExpiresAt))
				return nil
			})
		},
	}
	cmd.Flags().String("code", "", "request token or auth code from the broker login page")
	cmd.Flags().String("pin", "", "trading PIN (angelone)")
	cmd.Flags().String("totp", "", "current TOTP code (angelone, generated when omitted)")
	return cmd
}

func newLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout <broker>",
		Short: "End a broker session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			user, err := userFlag(cmd)
			if err != nil {
				return err
			}
			id, err := brokerArg(args[0])
			if err != nil {
				return err
			}
			return app.withServices(cmd, func(ctx context.Context, svc *Services) error {
				err := svc.Sessions.Logout(ctx, user, id)
				_ = svc.Audit.LogSession(ctx, security.AuditLogout, user, string(id), err)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"broker": id, "status": models.StatusInactive})
				}
				output.Success("✓ Logged out of %s", id)
				return nil
			})
		},
	}
}

func newTokenCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for a user",
		Long: `Sign a bearer token for the HTTP API with server.jwt_secret.

Example:
  curl -H "Authorization: Bearer $(gateway token --user alice)" localhost:8080/api/v1/credentials`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			user, err := userFlag(cmd)
			if err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			tok, err := api.IssueToken(user, app.Config.Server.JWTSecret, ttl)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"token":      tok,
					"expires_at": time.Now().Add(ttl).UTC(),
				})
			}
			output.Println(tok)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "-"
	}
	left := time.Until(*t)
	if left <= 0 {
		return "expired"
	}
	return fmt.Sprintf("%s (in %s)", formatTime(*t), utils.FormatDuration(left))
}
