package cdc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinycdc/kv/storage"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvWithin(t *testing.T, s *Sink) (Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Recv(ctx)
}

func TestSinkOrderAndFinish(t *testing.T) {
	s := newSink(2, time.Second)
	s.start()
	for i := uint64(1); i <= 5; i++ {
		require.True(t, s.Send(&ResolvedTsEvent{Ts: i}))
	}
	s.finish(ErrEndpointClosed)
	assert.False(t, s.Send(&ResolvedTsEvent{Ts: 6}))

	for i := uint64(1); i <= 5; i++ {
		e, err := recvWithin(t, s)
		require.Nil(t, err)
		assert.Equal(t, i, e.(*ResolvedTsEvent).Ts)
	}
	_, err := recvWithin(t, s)
	assert.Equal(t, ErrEndpointClosed, err)
}

func TestSinkStall(t *testing.T) {
	s := newSink(1, 20*time.Millisecond)
	stalled := make(chan error, 1)
	s.onStall = func(err error) { stalled <- err }
	s.start()
	for i := uint64(1); i <= 3; i++ {
		require.True(t, s.Send(&ResolvedTsEvent{Ts: i}))
	}

	select {
	case err := <-stalled:
		_, ok := err.(*storage.ErrServerIsBusy)
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("sink did not stall")
	}
	assert.False(t, s.Send(&ResolvedTsEvent{Ts: 4}))

	// The event already handed over is still received.
	e, err := recvWithin(t, s)
	require.Nil(t, err)
	assert.Equal(t, uint64(1), e.(*ResolvedTsEvent).Ts)
	_, err = recvWithin(t, s)
	_, ok := errors.Cause(err).(*storage.ErrServerIsBusy)
	assert.True(t, ok)
}

func TestSinkClose(t *testing.T) {
	s := newSink(1, time.Second)
	dropped := make(chan struct{})
	s.onDrop = func() { close(dropped) }
	s.start()
	s.Close()
	s.Close()
	select {
	case <-dropped:
	case <-time.After(5 * time.Second):
		t.Fatal("onDrop not called")
	}
	assert.False(t, s.Send(&ResolvedTsEvent{Ts: 1}))
	_, err := recvWithin(t, s)
	assert.Equal(t, ErrSinkClosed, err)
}

func TestDownstreamBatching(t *testing.T) {
	conn := &Conn{id: 1, sink: newSink(16, time.Second)}
	conn.sink.start()
	d := newDownstream(conn, &ChangeDataRequest{RegionID: 1, RequestID: 7, StartKey: []byte("a"), EndKey: []byte("y")})
	d.state = downstreamNormal

	big := &EventRow{Type: EventRowCommitted, OpType: OpPut, Key: []byte("b"), Value: bytes.Repeat([]byte("x"), 200)}
	rows := []*EventRow{
		{Type: EventRowPrewrite, OpType: OpPut, Key: []byte("a"), Value: []byte("1")},
		big,
		{Type: EventRowPrewrite, OpType: OpPut, Key: []byte("c"), Value: []byte("2")},
		{Type: EventRowPrewrite, OpType: OpPut, Key: []byte("z"), Value: []byte("out of range")},
		{Type: EventRowInitialized},
	}
	require.True(t, d.sinkRows(rows, 128))

	var batches [][]*EventRow
	for i := 0; i < 3; i++ {
		e, err := recvWithin(t, conn.sink)
		require.Nil(t, err)
		batches = append(batches, e.(*ChangeDataEvent).Rows)
	}
	require.Len(t, batches[0], 1)
	assert.Equal(t, []byte("a"), batches[0][0].Key)
	require.Len(t, batches[1], 1)
	assert.Equal(t, []byte("b"), batches[1][0].Key)
	require.Len(t, batches[2], 2)
	assert.Equal(t, []byte("c"), batches[2][0].Key)
	assert.Equal(t, EventRowInitialized, batches[2][1].Type)
	for _, batch := range batches {
		for _, row := range batch {
			assert.Equal(t, uint64(1), row.RegionID)
			assert.Equal(t, uint64(7), row.RequestID)
		}
	}
	// Rows are copied before they are addressed.
	assert.Equal(t, uint64(0), big.RequestID)
}

func TestDownstreamFilterLoop(t *testing.T) {
	d := &Downstream{filterLoop: true}
	assert.False(t, d.accept(&EventRow{Type: EventRowPrewrite, Key: []byte("k"), TxnSource: 1}))
	assert.False(t, d.accept(&EventRow{Type: EventRowCommit, Key: []byte("k"), TxnSource: 1}))
	assert.True(t, d.accept(&EventRow{Type: EventRowRollback, Key: []byte("k"), TxnSource: 1}))
	assert.True(t, d.accept(&EventRow{Type: EventRowPrewrite, Key: []byte("k")}))
	d.filterLoop = false
	assert.True(t, d.accept(&EventRow{Type: EventRowCommit, Key: []byte("k"), TxnSource: 1}))
}

func TestDownstreamOldValue(t *testing.T) {
	row := &EventRow{Type: EventRowCommit, Key: []byte("k"), Value: []byte("v2"), OldValue: []byte("v1")}
	d := &Downstream{regionID: 1, requestID: 2}
	stamped := d.stamp(row)
	assert.Nil(t, stamped.OldValue)
	assert.Equal(t, uint64(2), stamped.RequestID)
	assert.Equal(t, []byte("v1"), row.OldValue)

	d.readOldValue = true
	assert.Equal(t, []byte("v1"), d.stamp(row).OldValue)
}
