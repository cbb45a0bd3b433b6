package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/expensync/internal/ledger"
	"github.com/TheMichaelB/expensync/internal/models"
)

var expenseCmd = &cobra.Command{
	Use:     "expense",
	Aliases: []string{"exp"},
	Short:   "Record and browse expenses",
}

var expenseAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record an expense",
	Example: `  expensync expense add --amount 12.50 --tag coffee
  expensync expense add -a 80 -t hotel --dest-amount 9800 --dest-currency JPY --image receipt.jpg`,
	Args: cobra.NoArgs,
	RunE: runExpenseAdd,
}

var expenseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List expenses, newest first",
	Args:  cobra.NoArgs,
	RunE:  runExpenseList,
}

var expenseEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change fields of an expense",
	Args:  cobra.ExactArgs(1),
	RunE:  runExpenseEdit,
}

var expenseDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an expense and its receipt",
	Long:  `The remote copies are removed by the next sync.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.DeleteExpense(cmd.Context(), args[0]); err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]interface{}{"success": true, "id": args[0]})
		} else {
			printSuccess("Deleted %s", args[0])
		}
		return nil
	},
}

var (
	expAmount       float64
	expTag          string
	expAt           string
	expImage        string
	expDestAmount   float64
	expDestCurrency string
	expNote         string

	listMonth string
	listTag   string
	listLimit int
)

func init() {
	rootCmd.AddCommand(expenseCmd)
	expenseCmd.AddCommand(expenseAddCmd, expenseListCmd, expenseEditCmd, expenseDeleteCmd)

	for _, c := range []*cobra.Command{expenseAddCmd, expenseEditCmd} {
		c.Flags().Float64VarP(&expAmount, "amount", "a", 0, "Amount spent")
		c.Flags().StringVarP(&expTag, "tag", "t", "", "Category tag")
		c.Flags().StringVar(&expAt, "at", "", "When it happened (YYYY-MM-DD or RFC 3339, default now)")
		c.Flags().StringVarP(&expImage, "image", "i", "", "Receipt image (jpg, png, webp)")
		c.Flags().Float64Var(&expDestAmount, "dest-amount", 0, "Amount in the destination currency")
		c.Flags().StringVar(&expDestCurrency, "dest-currency", "", "ISO 4217 destination currency")
		c.Flags().StringVarP(&expNote, "note", "n", "", "Free-form note")
	}
	_ = expenseAddCmd.MarkFlagRequired("amount")
	_ = expenseAddCmd.MarkFlagRequired("tag")

	expenseListCmd.Flags().StringVarP(&listMonth, "month", "m", "", "Only this month (YYYY-MM)")
	expenseListCmd.Flags().StringVarP(&listTag, "tag", "t", "", "Only this tag")
	expenseListCmd.Flags().IntVarP(&listLimit, "limit", "l", 50, "Maximum rows (0 = all)")
}

func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, &models.ValidationError{Field: "at", Reason: "expected YYYY-MM-DD or RFC 3339"}
	}
	return t, nil
}

func runExpenseAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	when, err := parseWhen(expAt)
	if err != nil {
		return err
	}

	e := &models.Expense{
		Amount:              expAmount,
		Tag:                 expTag,
		Timestamp:           when,
		DestinationCurrency: expDestCurrency,
		Note:                expNote,
	}
	if cmd.Flags().Changed("dest-amount") {
		v := expDestAmount
		e.DestinationAmount = &v
	}

	if suggestion, ok, err := apiClient.Expenses.SuggestTag(ctx, expTag); err == nil && ok &&
		!strings.EqualFold(suggestion, strings.TrimSpace(expTag)) && !jsonOutput {
		printWarning("New tag %q; did you mean %q?", expTag, suggestion)
	}

	if err := apiClient.AddExpense(ctx, e, expImage); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(e)
		return nil
	}
	printSuccess("Added %s %s (%s)", formatAmount(e.Amount), e.Tag, e.ID)
	return nil
}

func runExpenseEdit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	e, err := apiClient.Expenses.Get(ctx, args[0])
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("amount") {
		e.Amount = expAmount
	}
	if flags.Changed("tag") {
		e.Tag = expTag
	}
	if flags.Changed("at") {
		if e.Timestamp, err = parseWhen(expAt); err != nil {
			return err
		}
	}
	if flags.Changed("dest-amount") {
		v := expDestAmount
		e.DestinationAmount = &v
		if v == 0 {
			e.DestinationAmount = nil
		}
	}
	if flags.Changed("dest-currency") {
		e.DestinationCurrency = expDestCurrency
	}
	if flags.Changed("note") {
		e.Note = expNote
	}

	if err := apiClient.EditExpense(ctx, e, expImage); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(e)
		return nil
	}
	printSuccess("Updated %s", e.ID)
	return nil
}

func runExpenseList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	f := ledger.Filter{Tag: listTag, Limit: listLimit}
	if listMonth != "" {
		from, to, err := ledger.MonthRange(listMonth, time.Local)
		if err != nil {
			return err
		}
		f.From, f.To = from, to
	}

	expenses, err := apiClient.Expenses.List(ctx, f)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(expenses)
		return nil
	}

	if len(expenses) == 0 {
		printInfo("No expenses")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tAMOUNT\tTAG\tTRAVEL\tRECEIPT\tID")
	var total float64
	for _, e := range expenses {
		travel := ""
		if e.IsTravel() {
			travel = formatAmount(*e.DestinationAmount) + " " + e.DestinationCurrency
		}
		receipt := ""
		if e.HasImage() {
			receipt = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04"), formatAmount(e.Amount), e.Tag, travel, receipt, e.ID)
		total += e.Amount
	}
	if err := w.Flush(); err != nil {
		return err
	}

	dimColor.Printf("\n%s expenses, total %s\n", formatCount(len(expenses)), formatAmount(total))
	return nil
}
