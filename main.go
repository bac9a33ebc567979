// SPDX-FileCopyrightText: 2024 Wharf Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/sapcc/go-bits/logg"
	"github.com/spf13/cobra"

	apicmd "github.com/wharfhub/wharf/cmd/api"
	janitorcmd "github.com/wharfhub/wharf/cmd/janitor"
)

func main() {
	logg.ShowDebug = os.Getenv("WHARF_DEBUG") == "true"

	rootCmd := &cobra.Command{
		Use:   "wharf",
		Short: "Container image registry",
		Long:  "Wharf is a multi-tenant container image registry speaking the Distribution v2 protocol.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			must(cmd.Help())
		},
	}
	apicmd.AddCommandTo(rootCmd)
	janitorcmd.AddCommandTo(rootCmd)

	must(rootCmd.Execute())
}

func must(err error) {
	if err != nil {
		logg.Fatal(err.Error())
	}
}
