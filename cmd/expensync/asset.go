package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var assetCmd = &cobra.Command{
	Use:   "asset",
	Short: "Accounts and wallets with a balance",
}

var assetAddCmd = &cobra.Command{
	Use:     "add <name> <balance>",
	Short:   "Create an asset",
	Example: `  expensync asset add "Checking account" 1520.40`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		balance, err := parseMoney("balance", args[1])
		if err != nil {
			return err
		}
		a, err := apiClient.Assets.Create(cmd.Context(), args[0], balance)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(a)
			return nil
		}
		printSuccess("Added %s with %s", a.Name, formatDecimal(a.Balance))
		return nil
	},
}

var assetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List assets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		assets, err := apiClient.Assets.List(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(assets)
			return nil
		}
		if len(assets) == 0 {
			printInfo("No assets")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tBALANCE\tUPDATED")
		for _, a := range assets {
			fmt.Fprintf(w, "%s\t%s\t%s\n", a.Name, formatDecimal(a.Balance), a.UpdatedAt.Local().Format("2006-01-02"))
		}
		return w.Flush()
	},
}

var assetMatchCmd = &cobra.Command{
	Use:   "match <query>",
	Short: "Find assets by approximate name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		matches, err := apiClient.Assets.Match(cmd.Context(), args[0], assetMatchLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(matches)
			return nil
		}
		if len(matches) == 0 {
			printInfo("No asset resembles %q", args[0])
			return nil
		}
		for _, m := range matches {
			fmt.Printf("%-30s %s  ", m.Asset.Name, formatDecimal(m.Asset.Balance))
			dimColor.Printf("(score %.2f)\n", m.Score)
		}
		return nil
	},
}

var assetAdjustCmd = &cobra.Command{
	Use:     "adjust <name> <delta>",
	Short:   "Add to or subtract from a balance",
	Example: `  expensync asset adjust wallet -- -20`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := parseMoney("delta", args[1])
		if err != nil {
			return err
		}
		a, err := apiClient.Assets.Adjust(cmd.Context(), args[0], delta)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(a)
			return nil
		}
		printSuccess("%s is now %s", a.Name, formatDecimal(a.Balance))
		return nil
	},
}

var assetMatchLimit int

func init() {
	rootCmd.AddCommand(assetCmd)
	assetCmd.AddCommand(assetAddCmd, assetListCmd, assetMatchCmd, assetAdjustCmd)

	assetMatchCmd.Flags().IntVarP(&assetMatchLimit, "limit", "l", 5, "Maximum matches")
}
