package main

import (
	"fmt"

	"github.com/pingcap-incubator/tinycdc/kv/storage/standalone_storage"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinycdc/log"
	"github.com/spf13/cobra"
)

var (
	scanStart  string
	scanEnd    string
	scanFromTs uint64
	scanLimit  int
)

func newScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Print the changes an incremental scan of the data directory returns",
		Run:   runScanCommand,
	}
	cmd.Flags().StringVar(&scanStart, "start", "", "start key, inclusive")
	cmd.Flags().StringVar(&scanEnd, "end", "", "end key, exclusive, empty means no bound")
	cmd.Flags().Uint64Var(&scanFromTs, "from-ts", 0, "only print versions committed after this ts")
	cmd.Flags().IntVar(&scanLimit, "limit", 0, "stop after this many entries, 0 means no limit")
	return cmd
}

func runScanCommand(cmd *cobra.Command, args []string) {
	conf := loadConfig()
	engine, err := standalone_storage.NewBadgerEngine(conf)
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()
	snap, err := engine.Snapshot()
	if err != nil {
		log.Fatal(err)
	}
	defer snap.Close()

	scanner := mvcc.NewDeltaScanner(snap, []byte(scanStart), []byte(scanEnd), scanFromTs)
	defer scanner.Close()
	count := 0
	for scanLimit == 0 || count < scanLimit {
		entry, err := scanner.Next()
		if err != nil {
			log.Fatal(err)
		}
		if entry == nil {
			break
		}
		count++
		switch entry.Kind {
		case mvcc.DeltaPrewrite:
			fmt.Printf("prewrite  key=%q start_ts=%d kind=%v value=%q\n",
				entry.Key, entry.StartTs, entry.Lock.Kind, entry.Value)
		case mvcc.DeltaCommitted:
			fmt.Printf("committed key=%q start_ts=%d commit_ts=%d kind=%v value=%q\n",
				entry.Key, entry.StartTs, entry.CommitTs, entry.Write.Kind, entry.Value)
		}
	}
	fmt.Printf("%d entries\n", count)
}
