package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap-incubator/tinycdc/kv/cdc"
	"github.com/pingcap-incubator/tinycdc/kv/server"
	"github.com/pingcap-incubator/tinycdc/kv/storage/standalone_storage"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/commands"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/concurrency"
	"github.com/pingcap-incubator/tinycdc/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinycdc/log"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/spf13/cobra"
)

var (
	watchStart    string
	watchEnd      string
	watchOldValue bool
	watchTxns     int
	watchRaw      bool
	watchDuration time.Duration
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run an endpoint over the data directory and print the change events of the first region",
		Run:   runWatchCommand,
	}
	cmd.Flags().StringVar(&watchStart, "start", "", "start key, inclusive")
	cmd.Flags().StringVar(&watchEnd, "end", "", "end key, exclusive, empty means no bound")
	cmd.Flags().BoolVar(&watchOldValue, "old-value", false, "report old values")
	cmd.Flags().IntVar(&watchTxns, "txns", 0, "write this many sample transactions while watching")
	cmd.Flags().BoolVar(&watchRaw, "raw", false, "watch the raw key space, sample writes go through the raw api")
	cmd.Flags().DurationVar(&watchDuration, "duration", 10*time.Second, "how long to watch, 0 means until interrupted")
	return cmd
}

func runWatchCommand(cmd *cobra.Command, args []string) {
	conf := loadConfig()
	store, err := standalone_storage.NewStandAloneStorage(conf)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	tso := standalone_storage.NewLocalTSO()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if watchDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, watchDuration)
		defer cancel()
	}
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-sc:
			fmt.Printf("\nGot signal [%v] to exit.\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	startTs, err := tso.GetTS(ctx)
	if err != nil {
		log.Fatal(err)
	}
	cm := concurrency.NewManager(startTs)
	endpoint, err := cdc.NewEndpoint(conf, store, cm, tso)
	if err != nil {
		log.Fatal(err)
	}
	endpoint.Start()
	defer endpoint.Close()

	region, _ := store.Region(standalone_storage.FirstRegionID)
	conn := endpoint.Connect("")
	defer conn.Close()
	req := &cdc.ChangeDataRequest{
		ClusterID:    conf.ClusterID,
		RegionID:     region.Id,
		RegionEpoch:  region.RegionEpoch,
		RequestID:    1,
		StartKey:     []byte(watchStart),
		EndKey:       []byte(watchEnd),
		ReadOldValue: watchOldValue,
	}
	if watchRaw {
		req.KvAPI = cdc.KvAPIRaw
		req.ReadOldValue = false
	}
	if err = endpoint.Register(conn, req); err != nil {
		log.Fatal(err)
	}

	if watchTxns > 0 {
		if watchRaw {
			go writeSampleRaw(ctx, server.NewServer(store, cm, tso), watchTxns)
		} else {
			go writeSampleTxns(ctx, commands.NewScheduler(store, cm), tso, watchTxns)
		}
	}

	for {
		e, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error(err)
			}
			return
		}
		printEvent(e)
	}
}

func printEvent(e cdc.Event) {
	switch ev := e.(type) {
	case *cdc.ChangeDataEvent:
		for _, row := range ev.Rows {
			fmt.Printf("region %d: %v value=%q old=%q\n", ev.RegionID, row, row.Value, row.OldValue)
		}
	case *cdc.ResolvedTsEvent:
		fmt.Printf("resolved ts %d for regions %v\n", ev.Ts, ev.Regions)
	case *cdc.ErrorEvent:
		fmt.Printf("region %d: error %v\n", ev.RegionID, ev.Error)
	}
}

// writeSampleTxns commits n two-key transactions, one every 100ms.
func writeSampleTxns(ctx context.Context, sched *commands.Scheduler, tso *standalone_storage.LocalTSO, n int) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := writeSampleTxn(ctx, sched, tso, i); err != nil {
			log.Errorf("sample txn %d failed: %v", i, err)
		}
	}
}

func writeSampleTxn(ctx context.Context, sched *commands.Scheduler, tso *standalone_storage.LocalTSO, i int) error {
	startTs, err := tso.GetTS(ctx)
	if err != nil {
		return err
	}
	keys := [][]byte{[]byte(fmt.Sprintf("key%03d", i%10)), []byte(fmt.Sprintf("key%03d", i%10+10))}
	mutations := []*mvcc.Mutation{
		{Op: mvcc.MutationPut, Key: keys[0], Value: []byte(fmt.Sprintf("value%d", i))},
		{Op: mvcc.MutationPut, Key: keys[1], Value: []byte(fmt.Sprintf("value%d", i))},
	}
	opts := mvcc.TxnOptions{Primary: keys[0], LockTtl: 3000}
	if err = sched.Run(commands.NewPrewrite(mutations, startTs, opts)); err != nil {
		return err
	}
	commitTs, err := tso.GetTS(ctx)
	if err != nil {
		return err
	}
	return sched.Run(commands.NewCommit(keys, startTs, commitTs))
}

// writeSampleRaw puts n raw keys and deletes every third one.
func writeSampleRaw(ctx context.Context, s *server.Server, n int) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		key := []byte(fmt.Sprintf("raw%03d", i%10))
		var errMsg string
		if i%3 == 2 {
			resp, err := s.RawDelete(ctx, &kvrpcpb.RawDeleteRequest{Key: key})
			if err != nil {
				errMsg = err.Error()
			} else {
				errMsg = resp.Error
			}
		} else {
			resp, err := s.RawPut(ctx, &kvrpcpb.RawPutRequest{Key: key, Value: []byte(fmt.Sprintf("value%d", i))})
			if err != nil {
				errMsg = err.Error()
			} else {
				errMsg = resp.Error
			}
		}
		if errMsg != "" {
			log.Errorf("sample raw write %d failed: %s", i, errMsg)
		}
	}
}
