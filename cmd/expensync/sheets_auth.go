package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/expensync/internal/sheets"
)

var sheetsAuthCmd = &cobra.Command{
	Use:   "sheets-auth",
	Short: "Authorize access to the spreadsheet target",
	Long: `Sheets-auth runs the OAuth consent flow for the client in
sheets.credentials_file and saves the token to sheets.token_file. Service
account keys need no authorization.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{noClient: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sheets.AuthorizeInteractive(cmd.Context(), cfg.Sheets, os.Stdin, os.Stderr); err != nil {
			return err
		}
		printSuccess("Token saved to %s", cfg.Sheets.TokenFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sheetsAuthCmd)
}
