package gatt

import (
	"sync"
	"testing"

	"github.com/srg/blip/internal/callback"
	"github.com/srg/blip/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type TrampolineTestSuite struct {
	suite.Suite

	helper  *testutils.TestHelper
	queue   *callback.Queue
	builder *Builder
}

func (suite *TrampolineTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.queue = callback.NewQueue(suite.helper.Logger)
	suite.builder = NewBuilder(suite.queue, suite.helper.Logger)
}

func (suite *TrampolineTestSuite) TearDownTest() {
	suite.queue.Close()
}

func (suite *TrampolineTestSuite) group(desc any) Group {
	svc, err := ParseService(desc)
	suite.Require().NoError(err)
	table, err := suite.builder.Build(svc)
	suite.Require().NoError(err)
	groups := table.Groups()
	suite.Require().NotEmpty(groups)
	return groups[0]
}

func (suite *TrampolineTestSuite) TestReadServesCacheAndQueuesCallback() {
	// GOAL: Verify reads answer from the cached value and notify the script asynchronously
	//
	// TEST SCENARIO: value "hello" + onReadRequest → read at offset 1 returns "ello" now, one read record with offset 1

	onRead := testutils.NewRecordingCallable("onRead", nil)
	g := suite.group(serviceDesc("FC00",
		characteristicDesc("FC0A", "read").Set("value", "hello").Set("onReadRequest", onRead),
	))

	buf := make([]byte, 32)
	n, err := g.Value.Read(g.Value, 1, buf)
	suite.Require().NoError(err)
	suite.Equal("ello", string(buf[:n]), "read MUST be served from the cache")
	suite.Equal(1, suite.queue.Len(), "exactly one read record MUST be queued")

	suite.queue.DrainAll()
	calls := onRead.Calls()
	suite.Require().Len(calls, 1)
	suite.Equal(1, calls[0][0], "read callback MUST receive the offset")
	suite.Equal(2, onRead.Refs(), "record reference MUST be released after the call")
}

func (suite *TrampolineTestSuite) TestReadCompletionRefreshesCache() {
	// GOAL: Verify a successful read completion updates the value served next
	//
	// TEST SCENARIO: onReadRequest calls done(SUCCESS, "42") → next read returns "42"; done(UNLIKELY, "x") ignored

	onRead := testutils.NewRecordingCallable("onRead", nil)
	result := ResultSuccess
	payload := "42"
	onRead.OnCall = func(args ...any) {
		done := args[1].(func(args ...any) error)
		suite.NoError(done(int(result), payload))
	}

	g := suite.group(serviceDesc("FC00",
		characteristicDesc("FC0A", "read").Set("onReadRequest", onRead),
	))

	buf := make([]byte, 8)
	n, err := g.Value.Read(g.Value, 0, buf)
	suite.Require().NoError(err)
	suite.Equal(0, n, "first read MUST see the empty initial value")
	suite.queue.DrainAll()

	n, err = g.Value.Read(g.Value, 0, buf)
	suite.Require().NoError(err)
	suite.Equal("42", string(buf[:n]), "completion data MUST become the cached value")

	result, payload = ResultUnlikelyError, "x"
	suite.queue.DrainAll()
	n, _ = g.Value.Read(g.Value, 0, buf)
	suite.Equal("42", string(buf[:n]), "failed completion MUST NOT change the cache")
}

func (suite *TrampolineTestSuite) TestReadInvalidOffset() {
	// GOAL: Verify reads past the end fail with INVALID_OFFSET and queue nothing
	//
	// TEST SCENARIO: value "ab" → read offset 3 → ProtocolError 0x07

	onRead := testutils.NewRecordingCallable("onRead", nil)
	g := suite.group(serviceDesc("FC00",
		characteristicDesc("FC0A", "read").Set("value", "ab").Set("onReadRequest", onRead),
	))

	_, err := g.Value.Read(g.Value, 3, make([]byte, 8))
	suite.Equal(ResultInvalidOffset, ResultCode(err))
	suite.Equal(0, suite.queue.Len(), "rejected read MUST NOT reach the script")

	n, err := g.Value.Read(g.Value, 2, make([]byte, 8))
	suite.NoError(err, "offset equal to length MUST be valid")
	suite.Equal(0, n)
}

func (suite *TrampolineTestSuite) TestWriteAcceptsAndQueues() {
	// GOAL: Verify writes splice into the cache, report full length and pass a copy to the script
	//
	// TEST SCENARIO: value "abcd", write "XY" at 2 without response → returns 2, cache "abXY", record (XY, 2, true, done)

	onWrite := testutils.NewRecordingCallable("onWrite", nil)
	g := suite.group(serviceDesc("FC00",
		characteristicDesc("FC0B", "write").Set("value", "abcd").Set("onWriteRequest", onWrite),
	))

	data := []byte("XY")
	n, err := g.Value.Write(g.Value, 2, data, true)
	suite.Require().NoError(err)
	suite.Equal(2, n, "write MUST report full length accepted")
	suite.Equal("abXY", string(g.Characteristic.Value()))

	data[0] = 'Z'
	suite.queue.DrainAll()
	calls := onWrite.Calls()
	suite.Require().Len(calls, 1)
	suite.Equal([]byte("XY"), calls[0][0], "script MUST see a copy of the inbound buffer")
	suite.Equal(2, calls[0][1])
	suite.Equal(true, calls[0][2])
}

func (suite *TrampolineTestSuite) TestWriteLimits() {
	// GOAL: Verify write bounds
	//
	// TEST SCENARIO: offset past end → INVALID_OFFSET; total over 512 bytes → INVALID_ATTRIBUTE_LENGTH

	g := suite.group(serviceDesc("FC00", characteristicDesc("FC0B", "write")))

	_, err := g.Value.Write(g.Value, 1, []byte{1}, false)
	suite.Equal(ResultInvalidOffset, ResultCode(err))

	_, err = g.Value.Write(g.Value, 0, make([]byte, MaxAttributeValue+1), false)
	suite.Equal(ResultInvalidAttributeLength, ResultCode(err))
}

func (suite *TrampolineTestSuite) TestClientConfigTransitions() {
	// GOAL: Verify CCC writes produce one subscribe/unsubscribe per transition
	//
	// TEST SCENARIO: enable, enable again, disable, disable again → log: onSubscribe(20,…), onUnsubscribe()

	log := &testutils.CallLog{}
	onSub := testutils.NewRecordingCallable("onSubscribe", log)
	onUnsub := testutils.NewRecordingCallable("onUnsubscribe", log)
	g := suite.group(serviceDesc("FC00",
		characteristicDesc("FC0A", "read", "notify").Set("onSubscribe", onSub).Set("onUnsubscribe", onUnsub),
	))

	cccd := g.ClientConfig
	for _, v := range [][]byte{{0x01, 0x00}, {0x01, 0x00}, {0x00, 0x00}, {0x00, 0x00}} {
		n, err := cccd.Write(cccd, 0, v, false)
		suite.Require().NoError(err)
		suite.Equal(2, n)
	}
	suite.queue.DrainAll()

	entries := log.Entries()
	suite.Require().Len(entries, 2, "only transitions MUST reach the script")
	suite.Contains(entries[0], "onSubscribe(20,")
	suite.Equal("onUnsubscribe()", entries[1])

	buf := make([]byte, 2)
	n, err := cccd.Read(cccd, 0, buf)
	suite.Require().NoError(err)
	suite.Equal([]byte{0x00, 0x00}, buf[:n])
}

func (suite *TrampolineTestSuite) TestClientConfigRejections() {
	// GOAL: Verify malformed or unsupported CCC writes are refused
	//
	// TEST SCENARIO: non-notify characteristic enable → 0xfd; 1 byte → 0x0d; offset 1 → 0x0b

	g := suite.group(serviceDesc("FC00", characteristicDesc("FC0A", "read")))
	cccd := g.ClientConfig

	_, err := cccd.Write(cccd, 0, []byte{0x01, 0x00}, false)
	suite.Equal(ResultCCCImproperlyConfigured, ResultCode(err))

	_, err = cccd.Write(cccd, 0, []byte{0x01}, false)
	suite.Equal(ResultInvalidAttributeLength, ResultCode(err))

	_, err = cccd.Write(cccd, 1, []byte{0x01, 0x00}, false)
	suite.Equal(ResultAttrNotLong, ResultCode(err))

	n, err := cccd.Write(cccd, 0, []byte{0x00, 0x00}, false)
	suite.NoError(err, "disabling MUST always be accepted")
	suite.Equal(2, n)
}

func (suite *TrampolineTestSuite) TestSubscribeUpdateNotifies() {
	// GOAL: Verify the update callback handed to onSubscribe pushes notifications and triggers onNotify
	//
	// TEST SCENARIO: attach notifier, enable CCC → onSubscribe calls update("23") → notifier got "23", onNotify queued, cache "23"

	var sent [][]byte
	onNotify := testutils.NewRecordingCallable("onNotify", nil)
	onSub := testutils.NewRecordingCallable("onSubscribe", nil)
	onSub.OnCall = func(args ...any) {
		update := args[1].(func(args ...any) error)
		suite.NoError(update("23"))
	}

	g := suite.group(serviceDesc("FC00",
		characteristicDesc("FC0A", "notify").Set("onSubscribe", onSub).Set("onNotify", onNotify),
	))
	g.Characteristic.AttachNotifier(func(data []byte) error {
		sent = append(sent, append([]byte(nil), data...))
		return nil
	}, 64)

	_, err := g.ClientConfig.Write(g.ClientConfig, 0, []byte{0x01, 0x00}, false)
	suite.Require().NoError(err)
	suite.queue.DrainAll()

	suite.Equal([][]byte{[]byte("23")}, sent, "update MUST reach the notifier")
	suite.Equal(1, onNotify.CallCount(), "onNotify MUST run after a notification is sent")
	suite.Equal(64, onSub.Calls()[0][0], "onSubscribe MUST receive the negotiated value size")
	suite.Equal("23", string(g.Characteristic.Value()))

	g.Characteristic.DetachNotifier()
	suite.ErrorIs(g.Characteristic.Notify([]byte("x")), ErrNotSubscribed)
}

func (suite *TrampolineTestSuite) TestStaticAttributes() {
	// GOAL: Verify declaration and description attributes serve their static bytes
	//
	// TEST SCENARIO: read CUD → description text; read declaration → props, value handle, uuid

	g := suite.group(serviceDesc("FC00",
		characteristicDesc("FC0A", "read", "write").Set("description", "Led"),
	))

	buf := make([]byte, 32)
	n, err := g.Description.Read(g.Description, 0, buf)
	suite.Require().NoError(err)
	suite.Equal("Led", string(buf[:n]))

	n, err = g.Declaration.Read(g.Declaration, 0, buf)
	suite.Require().NoError(err)
	suite.Equal([]byte{byte(PropRead | PropWrite), 0x03, 0x00, 0x0a, 0xfc}, buf[:n])
}

func (suite *TrampolineTestSuite) TestCompletionResultRange() {
	// GOAL: Verify completion codes outside 0..255 are errors, not truncated to success
	//
	// TEST SCENARIO: read done(0x100, "evil") and write done(-1) / done(256) → errors, cache untouched

	g := suite.group(serviceDesc("FC00",
		characteristicDesc("FC0A", "read", "write").Set("value", "ok"),
	))
	ch := g.Characteristic

	suite.ErrorContains(ch.readDone(0)(float64(0x100), "evil"), "out of range")
	suite.Equal("ok", string(ch.Value()), "out-of-range read result MUST NOT refresh the cache")

	suite.ErrorContains(ch.writeDone(0)(float64(-1)), "out of range")
	suite.ErrorContains(ch.writeDone(0)(256), "out of range")
	suite.NoError(ch.writeDone(0)(int(ResultUnlikelyError)))
	suite.NoError(ch.readDone(0)(float64(ResultSuccess), "new"))
	suite.Equal("new", string(ch.Value()))
}

func (suite *TrampolineTestSuite) TestReadWhileServiceReleased() {
	// GOAL: Verify a stack goroutine can keep reading a replaced table while its service is released
	//
	// TEST SCENARIO: reader loops on the value attribute, Release runs concurrently → no race,
	//                every queued record balanced, reads after release queue nothing

	onRead := testutils.NewRecordingCallable("onRead", nil)
	svc, err := ParseService(serviceDesc("FC00",
		characteristicDesc("FC0A", "read").Set("value", "v").Set("onReadRequest", onRead),
	))
	suite.Require().NoError(err)
	table, err := suite.builder.Build(svc)
	suite.Require().NoError(err)
	value := table.Groups()[0].Value

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 8)
		for i := 0; i < 500; i++ {
			_, _ = value.Read(value, 0, buf)
		}
	}()

	svc.Release()
	wg.Wait()
	suite.queue.DrainAll()

	suite.Equal(1, onRead.Refs(), "released service and drained records MUST leave only the caller's reference")
	suite.Nil(value.Characteristic.Callback(SlotRead), "released characteristic MUST expose no callbacks")

	buf := make([]byte, 8)
	n, err := value.Read(value, 0, buf)
	suite.Require().NoError(err)
	suite.Equal("v", string(buf[:n]), "cache MUST still be served")
	suite.Equal(0, suite.queue.Len(), "read after release MUST NOT queue a callback")
}

func TestTrampolineTestSuite(t *testing.T) {
	suite.Run(t, new(TrampolineTestSuite))
}
