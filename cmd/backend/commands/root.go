package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	databaseURL string
	verbose     bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "backend",
	Short: "Assembly backend - action dispatch over a versioned datastore",
	Long: `The assembly backend processes action requests against a shared
versioned datastore. Each request is validated, permission-checked,
resolved into relational write events and committed atomically with
optimistic locking.`,
	Version: "1.0.0",
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "db", os.Getenv("DATABASE_URL"), "Database connection URL (defaults to $DATABASE_URL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
}
