package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in so expenses can be synced",
	Long: `Login stores a session for the given email. Remote data is keyed by the
user ID, which is derived from the email unless --user-id is given.`,
	Example: `  expensync login --email user@example.com
  expensync login --email user@example.com --user-id 5f0c...`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Auth.Logout(cmd.Context()); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]interface{}{"success": true})
		} else {
			printSuccess("Logged out")
		}
		return nil
	},
}

var (
	loginEmail  string
	loginUserID string
)

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)

	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "",
		"Email address (will prompt if not provided)")
	loginCmd.Flags().StringVar(&loginUserID, "user-id", "",
		"Explicit user ID for remote data")
}

func runLogin(cmd *cobra.Command, args []string) error {
	if loginEmail == "" {
		fmt.Fprint(os.Stderr, "Email: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read email: %w", err)
		}
		loginEmail = strings.TrimSpace(line)
	}

	session, err := apiClient.Auth.Login(cmd.Context(), loginEmail, loginUserID)
	if err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		}
		return fmt.Errorf("login failed: %w", err)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"email":   session.Email,
			"user_id": session.UserID,
		})
	} else {
		printSuccess("Logged in as %s", session.Email)
		dimColor.Printf("User ID: %s\n", session.UserID)
	}
	return nil
}
