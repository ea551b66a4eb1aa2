package main

import (
	"os"

	"github.com/pingcap-incubator/tinycdc/log"
	"github.com/spf13/cobra"
)

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective config in toml",
		Run: func(cmd *cobra.Command, args []string) {
			conf := loadConfig()
			if err := conf.Validate(); err != nil {
				log.Fatal(err)
			}
			if err := conf.Encode(os.Stdout); err != nil {
				log.Fatal(err)
			}
		},
	}
}
