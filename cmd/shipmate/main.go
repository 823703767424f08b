package main

import (
	"fmt"
	"os"

	"github.com/shipmate-dev/shipmate/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "shipmate"}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
