package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/testhub/internal/auth"
	"github.com/joescharf/testhub/internal/models"
)

var (
	userEmail    string
	userName     string
	userPassword string
	userRole     string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage API users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user (e.g. the AI executor's default user)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return userCreateRun(cmd.Context())
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		return userListRun(cmd.Context())
	},
}

func init() {
	userCreateCmd.Flags().StringVar(&userEmail, "email", "", "Login email")
	userCreateCmd.Flags().StringVar(&userName, "name", "", "Full name")
	userCreateCmd.Flags().StringVar(&userPassword, "password", "", "Password")
	userCreateCmd.Flags().StringVar(&userRole, "role", models.RoleTester, "Role: tester, developer, admin")
	_ = userCreateCmd.MarkFlagRequired("email")
	_ = userCreateCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userListCmd)
	rootCmd.AddCommand(userCmd)
}

func userCreateRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	switch userRole {
	case models.RoleTester, models.RoleDeveloper, models.RoleAdmin:
	default:
		return fmt.Errorf("unknown role: %s (use: tester, developer, admin)", userRole)
	}

	if dryRun {
		ui.DryRunMsg("Would create %s user %s", userRole, userEmail)
		return nil
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	cfg := loadConfig()
	svc := auth.NewService(s, auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL))

	u, err := svc.Register(ctx, auth.RegisterInput{
		Email:    userEmail,
		FullName: userName,
		Password: userPassword,
		Role:     userRole,
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	ui.Success("Created user %s (%s)", u.Email, u.ID)
	return nil
}

func userListRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := getStore()
	if err != nil {
		return err
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		ui.Info("No users. Create one with: testhub user create --email <email> --password <password>")
		return nil
	}

	table := ui.Table([]string{"ID", "EMAIL", "NAME", "ROLE", "ACTIVE"})
	for _, u := range users {
		_ = table.Append([]string{u.ID, u.Email, u.FullName, u.Role, fmt.Sprintf("%v", u.IsActive)})
	}
	return table.Render()
}
