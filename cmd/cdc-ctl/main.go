package main

import (
	"fmt"
	"os"

	"github.com/pingcap-incubator/tinycdc/kv/config"
	"github.com/pingcap-incubator/tinycdc/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
	logLevel   string
)

// loadConfig reads the config file if one is given, then applies the flags
// set on the command line.
func loadConfig() *config.Config {
	conf := config.NewDefaultConfig()
	if configPath != "" {
		var err error
		if conf, err = config.LoadFromFile(configPath); err != nil {
			log.Fatal(err)
		}
	}
	if dbPath != "" {
		conf.DBPath = dbPath
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	log.SetLevelByString(conf.LogLevel)
	if err := log.InitFileLogger(&conf.Log); err != nil {
		log.Fatal(err)
	}
	return conf
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "cdc-ctl",
		Short: "Inspect and exercise the change data capture engine",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "badger data directory, overrides the config")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "", "log level, overrides the config")

	rootCmd.AddCommand(
		newScanCommand(),
		newConfigCommand(),
		newWatchCommand(),
	)

	cobra.EnablePrefixMatching = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(rootCmd.UsageString())
		os.Exit(1)
	}
}
