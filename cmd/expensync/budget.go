package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/expensync/internal/ledger"
	"github.com/TheMichaelB/expensync/internal/models"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Monthly spending limits per tag",
}

var budgetSetCmd = &cobra.Command{
	Use:     "set <tag> <limit>",
	Short:   "Set the monthly limit of a tag",
	Example: `  expensync budget set groceries 400`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := parseMoney("limit", args[1])
		if err != nil {
			return err
		}
		b, err := apiClient.Budgets.Set(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(b)
			return nil
		}
		printSuccess("Budget for %s set to %s", b.Tag, formatDecimal(b.Limit))
		return nil
	},
}

var budgetDeleteCmd = &cobra.Command{
	Use:   "delete <tag>",
	Short: "Remove the limit of a tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Budgets.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		if !jsonOutput {
			printSuccess("Budget for %s removed", args[0])
		}
		return nil
	},
}

var budgetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List budgets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		budgets, err := apiClient.Budgets.List(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(budgets)
			return nil
		}
		if len(budgets) == 0 {
			printInfo("No budgets")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TAG\tLIMIT")
		for _, b := range budgets {
			fmt.Fprintf(w, "%s\t%s\n", b.Tag, formatDecimal(b.Limit))
		}
		return w.Flush()
	},
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Compare this month's spending with each budget",
	Args:  cobra.NoArgs,
	RunE:  runBudgetStatus,
}

var budgetMonth string

func init() {
	rootCmd.AddCommand(budgetCmd)
	budgetCmd.AddCommand(budgetSetCmd, budgetDeleteCmd, budgetListCmd, budgetStatusCmd)

	budgetStatusCmd.Flags().StringVarP(&budgetMonth, "month", "m", "", "Month (YYYY-MM, default current)")
}

func parseMoney(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &models.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a number", s)}
	}
	return d, nil
}

func runBudgetStatus(cmd *cobra.Command, args []string) error {
	month := budgetMonth
	if month == "" {
		month = ledger.CurrentMonth(time.Now())
	}

	statuses, err := apiClient.Budgets.Status(cmd.Context(), month, time.Local)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(statuses)
		return nil
	}
	if len(statuses) == 0 {
		printInfo("No budgets")
		return nil
	}

	fmt.Printf("Budgets for %s\n\n", month)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TAG\tSPENT\tLIMIT\tREMAINING\tUSED")
	for _, s := range statuses {
		used := s.UsedPercent().String() + "%"
		if s.Exceeded() {
			used = errorColor.Sprint(used)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.Tag, formatDecimal(s.Spent), formatDecimal(s.Limit), formatDecimal(s.Remaining), used)
	}
	return w.Flush()
}
