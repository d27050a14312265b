package callback

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/srg/blip/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type QueueTestSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	queue  *Queue
}

func (suite *QueueTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.queue = NewQueue(suite.helper.Logger)
}

func (suite *QueueTestSuite) TearDownTest() {
	suite.queue.Close()
}

func (suite *QueueTestSuite) TestFIFOExactlyOnce() {
	// GOAL: Verify records run in enqueue order and exactly once under interleaved draining
	//
	// TEST SCENARIO: random mix of Enqueue and DrainOne → call log equals enqueue order, every reference released

	log := &testutils.CallLog{}
	rng := rand.New(rand.NewSource(42))

	var fns []*testutils.RecordingCallable
	var want []string
	for i := 0; i < 200; i++ {
		fn := testutils.NewRecordingCallable(fmt.Sprintf("cb%d", i), log)
		fns = append(fns, fn)
		want = append(want, fmt.Sprintf("cb%d(%d)", i, i))
		suite.Require().NoError(suite.queue.Submit(KindAdvertisingStart, fn, AdvertisingStartPayload{Code: i}))

		if rng.Intn(3) == 0 {
			suite.queue.DrainOne()
		}
	}
	suite.queue.DrainAll()

	suite.Equal(want, log.Entries(), "records MUST be consumed in FIFO order")
	for _, fn := range fns {
		suite.Equal(1, fn.CallCount(), "%s MUST be called exactly once", fn.Name)
		suite.Equal(0, fn.Refs(), "%s reference MUST be released exactly once", fn.Name)
	}
	suite.False(suite.queue.DrainOne(), "empty queue MUST report nothing drained")
}

func (suite *QueueTestSuite) TestConcurrentProducers() {
	// GOAL: Verify per-producer ordering and no loss with many producer goroutines
	//
	// TEST SCENARIO: 8 producers × 100 records while the consumer drains → each producer's records in order, total 800

	const producers, perProducer = 8, 100

	var mu sync.Mutex
	got := map[int][]int{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go suite.queue.Run(ctx) //nolint:errcheck

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				seq := i
				fn := testutils.NewRecordingCallable("p", nil)
				fn.OnCall = func(args ...any) {
					mu.Lock()
					got[p] = append(got[p], seq)
					mu.Unlock()
				}
				suite.NoError(suite.queue.Submit(KindEvent, fn, nil))
			}
		}(p)
	}
	wg.Wait()

	suite.Eventually(func() bool {
		return suite.queue.Metrics().Processed == producers*perProducer
	}, 2*time.Second, 5*time.Millisecond, "every record MUST be processed")

	mu.Lock()
	defer mu.Unlock()
	for p := 0; p < producers; p++ {
		suite.Len(got[p], perProducer)
		for i, seq := range got[p] {
			suite.Equal(i, seq, "producer %d records MUST keep their order", p)
		}
	}
}

func (suite *QueueTestSuite) TestScriptErrorSwallowed() {
	// GOAL: Verify a failing callback is logged and does not stop later records
	//
	// TEST SCENARIO: failing record then healthy record → both consumed, Failed=1, Processed=1

	bad := testutils.NewRecordingCallable("bad", nil)
	bad.Err = errors.New("script blew up")
	good := testutils.NewRecordingCallable("good", nil)

	suite.Require().NoError(suite.queue.Submit(KindRead, bad, ReadPayload{Offset: 3}))
	suite.Require().NoError(suite.queue.Submit(KindNotify, good, NotifyPayload{}))

	suite.Equal(2, suite.queue.DrainAll())
	suite.Equal(1, good.CallCount(), "records after a failure MUST still run")

	m := suite.queue.Metrics()
	suite.Equal(int64(1), m.Failed)
	suite.Equal(int64(1), m.Processed)
	suite.Equal(0, bad.Refs(), "failing record MUST still release its reference")
}

func (suite *QueueTestSuite) TestPanicSwallowed() {
	// GOAL: Verify a panicking callable is contained at the drain point
	//
	// TEST SCENARIO: OnCall panics → DrainOne returns true, Failed counter incremented

	fn := testutils.NewRecordingCallable("panics", nil)
	fn.OnCall = func(args ...any) { panic("kaboom") }

	suite.Require().NoError(suite.queue.Submit(KindEvent, fn, nil))
	suite.True(suite.queue.DrainOne())
	suite.Equal(int64(1), suite.queue.Metrics().Failed)
	suite.Equal(0, fn.Refs())
}

func (suite *QueueTestSuite) TestDoubleEnqueueRejected() {
	// GOAL: Verify a record can sit on the queue only once
	//
	// TEST SCENARIO: Enqueue same record twice → second fails; after drain, re-enqueue still fails

	fn := testutils.NewRecordingCallable("once", nil)
	r := NewRecord(KindEvent, fn, nil)

	suite.Require().NoError(suite.queue.Enqueue(r))
	suite.ErrorIs(suite.queue.Enqueue(r), ErrAlreadyQueued, "queued record MUST NOT be enqueued again")

	suite.queue.DrainAll()
	suite.ErrorIs(suite.queue.Enqueue(r), ErrAlreadyQueued, "consumed record MUST NOT be enqueued again")
	suite.Equal(1, fn.CallCount())
}

func (suite *QueueTestSuite) TestPayloadArguments() {
	// GOAL: Verify each payload variant marshals its arguments in script order
	//
	// TEST SCENARIO: write payload → (data, offset, withoutResponse, done)

	fn := testutils.NewRecordingCallable("write", nil)
	done := func(args ...any) error { return nil }
	suite.Require().NoError(suite.queue.Submit(KindWrite, fn, WritePayload{
		Data: []byte{0x01, 0x02}, Offset: 4, WithoutResponse: true, Done: done,
	}))
	suite.queue.DrainAll()

	calls := fn.Calls()
	suite.Require().Len(calls, 1)
	suite.Require().Len(calls[0], 4)
	suite.Equal([]byte{0x01, 0x02}, calls[0][0])
	suite.Equal(4, calls[0][1])
	suite.Equal(true, calls[0][2])
	suite.NotNil(calls[0][3])
}

func (suite *QueueTestSuite) TestCloseReleasesPending() {
	// GOAL: Verify hard shutdown drops pending records without leaking references
	//
	// TEST SCENARIO: 3 pending records → Close → none called, all released, later Submit refused and released

	var fns []*testutils.RecordingCallable
	for i := 0; i < 3; i++ {
		fn := testutils.NewRecordingCallable("pending", nil)
		fns = append(fns, fn)
		suite.Require().NoError(suite.queue.Submit(KindEvent, fn, nil))
	}

	suite.queue.Close()
	for _, fn := range fns {
		suite.Equal(0, fn.CallCount(), "dropped record MUST NOT run")
		suite.Equal(0, fn.Refs(), "dropped record MUST release its reference")
	}
	suite.Equal(int64(3), suite.queue.Metrics().Dropped)

	late := testutils.NewRecordingCallable("late", nil)
	suite.ErrorIs(suite.queue.Submit(KindEvent, late, nil), ErrQueueClosed)
	suite.Equal(0, late.Refs(), "refused record MUST be released by Submit")
}

func (suite *QueueTestSuite) TestRunStopsOnCancel() {
	// GOAL: Verify the cooperative loop exits on context cancellation
	//
	// TEST SCENARIO: Run in background → cancel → Run returns context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- suite.queue.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		suite.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		suite.Fail("Run MUST return after cancel")
	}
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}
