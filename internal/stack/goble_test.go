package stack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blip/internal/callback"
	"github.com/srg/blip/internal/gatt"
	"github.com/srg/blip/internal/script"
	"github.com/srg/blip/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// MockDevice implements Device for testing
type MockDevice struct {
	mock.Mock
}

func (m *MockDevice) SetServices(svcs []*ble.Service) error {
	args := m.Called(svcs)
	return args.Error(0)
}

func (m *MockDevice) AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error {
	args := m.Called(ctx, name, uuids)
	return args.Error(0)
}

func (m *MockDevice) Stop() error {
	args := m.Called()
	return args.Error(0)
}

type fakeAddr string

func (a fakeAddr) String() string { return string(a) }

// fakeConn overrides the parts of ble.Conn the binding uses.
type fakeConn struct {
	ble.Conn
	addr fakeAddr
	gone chan struct{}
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: fakeAddr(addr), gone: make(chan struct{})}
}

func (c *fakeConn) RemoteAddr() ble.Addr          { return c.addr }
func (c *fakeConn) Disconnected() <-chan struct{} { return c.gone }

type fakeRequest struct {
	ble.Request
	conn   ble.Conn
	data   []byte
	offset int
}

func (r *fakeRequest) Conn() ble.Conn { return r.conn }
func (r *fakeRequest) Data() []byte   { return r.data }
func (r *fakeRequest) Offset() int    { return r.offset }

type fakeResponse struct {
	ble.ResponseWriter
	buf    []byte
	status ble.ATTError
}

func (w *fakeResponse) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	return len(b), nil
}
func (w *fakeResponse) SetStatus(s ble.ATTError) { w.status = s }
func (w *fakeResponse) Cap() int                 { return 22 }

type fakeNotifier struct {
	ble.Notifier
	ctx  context.Context
	mu   sync.Mutex
	sent [][]byte
}

func (n *fakeNotifier) Context() context.Context { return n.ctx }
func (n *fakeNotifier) Cap() int                 { return 22 }
func (n *fakeNotifier) Write(b []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, append([]byte(nil), b...))
	return len(b), nil
}

func (n *fakeNotifier) Sent() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]byte(nil), n.sent...)
}

func characteristic(uuid string, props ...string) *script.Table {
	list := script.NewTable()
	for _, p := range props {
		list.Append(p)
	}
	return script.NewTable().Set("uuid", uuid).Set("properties", list)
}

func buildTable(s *suite.Suite, q *callback.Queue, h *testutils.TestHelper, chars ...*script.Table) *gatt.AttributeTable {
	list := script.NewTable()
	for _, c := range chars {
		list.Append(c)
	}
	svc, err := gatt.ParseService(script.NewTable().Set("uuid", "FC00").Set("characteristics", list))
	s.Require().NoError(err)
	table, err := gatt.NewBuilder(q, h.Logger).Build(svc)
	s.Require().NoError(err)
	return table
}

type GoBLETestSuite struct {
	suite.Suite

	helper  *testutils.TestHelper
	queue   *callback.Queue
	dev     *MockDevice
	binding *GoBLE
	factory func(Options) (Device, error)
}

func (suite *GoBLETestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.queue = callback.NewQueue(suite.helper.Logger)
	suite.dev = &MockDevice{}
	suite.factory = DeviceFactory
	DeviceFactory = func(Options) (Device, error) { return suite.dev, nil }
	suite.binding = NewGoBLE(suite.helper.Logger, Options{AdvertiseStartWindow: 20 * time.Millisecond})
}

func (suite *GoBLETestSuite) TearDownTest() {
	DeviceFactory = suite.factory
	suite.queue.Close()
}

// enable brings the binding up and returns the handler event channels.
func (suite *GoBLETestSuite) enable() (connected, disconnected chan string) {
	ready := make(chan error, 1)
	connected = make(chan string, 4)
	disconnected = make(chan string, 4)

	suite.Require().NoError(suite.binding.Enable(Handlers{
		Ready:        func(err error) { ready <- err },
		Connected:    func(addr string) { connected <- addr },
		Disconnected: func(addr string) { disconnected <- addr },
	}))

	select {
	case err := <-ready:
		suite.Require().NoError(err, "enable MUST report ready")
	case <-time.After(time.Second):
		suite.FailNow("ready was never reported")
	}
	return connected, disconnected
}

func (suite *GoBLETestSuite) register(table *gatt.AttributeTable) *ble.Service {
	var captured []*ble.Service
	suite.dev.On("SetServices", mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(0).([]*ble.Service)
	}).Return(nil).Once()

	suite.Require().NoError(suite.binding.RegisterAttributeTable(table))
	suite.Require().Len(captured, 1, "exactly one service MUST be installed")
	return captured[0]
}

func (suite *GoBLETestSuite) TestEnableFailureReportsCode() {
	// GOAL: Verify a device that fails to open reports through Ready with a device code
	//
	// TEST SCENARIO: factory returns error → Ready(err) with ErrorCode == CodeDevice

	DeviceFactory = func(Options) (Device, error) { return nil, errors.New("hci0: no such device") }

	ready := make(chan error, 1)
	suite.Require().NoError(suite.binding.Enable(Handlers{Ready: func(err error) { ready <- err }}))

	select {
	case err := <-ready:
		suite.Require().Error(err)
		suite.Equal(CodeDevice, ErrorCode(err))
	case <-time.After(time.Second):
		suite.FailNow("ready was never reported")
	}
}

func (suite *GoBLETestSuite) TestRegisterBeforeEnable() {
	// GOAL: Verify the stack refuses tables before it is ready
	//
	// TEST SCENARIO: RegisterAttributeTable without Enable → CodeNotReady

	table := buildTable(&suite.Suite, suite.queue, suite.helper, characteristic("FC0A", "read"))
	err := suite.binding.RegisterAttributeTable(table)
	suite.ErrorIs(err, ErrNotReady)
	suite.Equal(CodeNotReady, ErrorCode(err))
}

func (suite *GoBLETestSuite) TestServiceConversion() {
	// GOAL: Verify the table maps to one go-ble service with declared properties and a user description
	//
	// TEST SCENARIO: FC0A read+notify described "Temp", FC0B write → properties match, CUD carries the text

	table := buildTable(&suite.Suite, suite.queue, suite.helper,
		characteristic("FC0A", "read", "notify").Set("description", "Temp"),
		characteristic("FC0B", "write"),
	)
	suite.enable()
	svc := suite.register(table)

	suite.Equal(gatt.FormatUUID(table.Service.UUID), gatt.FormatUUID(svc.UUID))
	suite.Require().Len(svc.Characteristics, 2)

	temp := svc.Characteristics[0]
	suite.Equal(gatt.PropRead|gatt.PropNotify, temp.Property, "properties MUST be exactly the declared ones")
	suite.NotNil(temp.ReadHandler)
	suite.NotNil(temp.NotifyHandler)
	suite.Nil(temp.WriteHandler)

	var cud *ble.Descriptor
	for _, d := range temp.Descriptors {
		if gatt.FormatUUID(d.UUID) == "2901" {
			cud = d
		}
	}
	suite.Require().NotNil(cud, "user description descriptor MUST be present")
	suite.Equal([]byte("Temp"), cud.Value)

	suite.Equal(gatt.PropWrite, svc.Characteristics[1].Property)
	suite.Same(table, suite.binding.Table())
}

func (suite *GoBLETestSuite) TestReadWriteHandlers() {
	// GOAL: Verify go-ble requests route through the trampolines with permission checks
	//
	// TEST SCENARIO: read with callback → cached bytes; read without callback → 0x02; write → cache spliced; bad offset → 0x07

	onRead := testutils.NewRecordingCallable("onRead", nil)
	onWrite := testutils.NewRecordingCallable("onWrite", nil)
	table := buildTable(&suite.Suite, suite.queue, suite.helper,
		characteristic("FC0A", "read", "write").Set("value", "21").Set("onReadRequest", onRead).Set("onWriteRequest", onWrite),
		characteristic("FC0B", "read").Set("value", "x"),
	)
	suite.enable()
	svc := suite.register(table)
	conn := newFakeConn("aa:bb:cc:dd:ee:ff")

	rsp := &fakeResponse{}
	svc.Characteristics[0].ReadHandler.ServeRead(&fakeRequest{conn: conn}, rsp)
	suite.Equal(ble.ATTError(0), rsp.status)
	suite.Equal([]byte("21"), rsp.buf)

	rsp = &fakeResponse{}
	svc.Characteristics[1].ReadHandler.ServeRead(&fakeRequest{conn: conn}, rsp)
	suite.Equal(ble.ATTError(gatt.ResultReadNotPermitted), rsp.status, "read without onReadRequest MUST be refused")

	rsp = &fakeResponse{}
	svc.Characteristics[0].WriteHandler.ServeWrite(&fakeRequest{conn: conn, data: []byte("9"), offset: 1}, rsp)
	suite.Equal(ble.ATTError(0), rsp.status)
	suite.Equal([]byte("29"), table.Groups()[0].Characteristic.Value())

	rsp = &fakeResponse{}
	svc.Characteristics[0].ReadHandler.ServeRead(&fakeRequest{conn: conn, offset: 9}, rsp)
	suite.Equal(ble.ATTError(gatt.ResultInvalidOffset), rsp.status)

	suite.queue.DrainAll()
	suite.Equal(1, onRead.CallCount(), "only accepted reads MUST queue the callback")
	suite.Equal(1, onWrite.CallCount())
}

func (suite *GoBLETestSuite) TestConnectionTracking() {
	// GOAL: Verify each central is reported connected once and disconnected when its link drops
	//
	// TEST SCENARIO: two requests from one conn → one Connected; close conn → Disconnected, table empty

	onRead := testutils.NewRecordingCallable("onRead", nil)
	table := buildTable(&suite.Suite, suite.queue, suite.helper,
		characteristic("FC0A", "read").Set("onReadRequest", onRead),
	)
	connected, disconnected := suite.enable()
	svc := suite.register(table)
	conn := newFakeConn("11:22:33:44:55:66")

	for i := 0; i < 2; i++ {
		svc.Characteristics[0].ReadHandler.ServeRead(&fakeRequest{conn: conn}, &fakeResponse{})
	}

	suite.Equal("11:22:33:44:55:66", <-connected)
	suite.Len(connected, 0, "a central MUST be reported connected once")
	suite.Equal(1, suite.binding.Connections())

	close(conn.gone)
	select {
	case addr := <-disconnected:
		suite.Equal("11:22:33:44:55:66", addr)
	case <-time.After(time.Second):
		suite.FailNow("disconnect was never reported")
	}
	suite.Eventually(func() bool { return suite.binding.Connections() == 0 }, time.Second, 5*time.Millisecond)
}

func (suite *GoBLETestSuite) TestNotifySubscription() {
	// GOAL: Verify a go-ble subscription drives the CCC trampoline and the update callback
	//
	// TEST SCENARIO: notify handler starts → onSubscribe(22, update) pushes "on"; context cancelled → onUnsubscribe

	log := &testutils.CallLog{}
	onSub := testutils.NewRecordingCallable("onSubscribe", log)
	onUnsub := testutils.NewRecordingCallable("onUnsubscribe", log)
	onSub.OnCall = func(args ...any) {
		suite.NoError(args[1].(func(args ...any) error)("on"))
	}

	table := buildTable(&suite.Suite, suite.queue, suite.helper,
		characteristic("FC0A", "notify").Set("onSubscribe", onSub).Set("onUnsubscribe", onUnsub),
	)
	suite.enable()
	svc := suite.register(table)

	ctx, cancel := context.WithCancel(context.Background())
	n := &fakeNotifier{ctx: ctx}
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		svc.Characteristics[0].NotifyHandler.ServeNotify(&fakeRequest{conn: newFakeConn("c0:ff:ee:00:00:01")}, n)
	}()

	suite.Eventually(func() bool { return suite.queue.Len() == 1 }, time.Second, 5*time.Millisecond)
	suite.queue.DrainAll()
	suite.Equal([][]byte{[]byte("on")}, n.Sent(), "update MUST be delivered through the go-ble notifier")
	suite.Equal(22, onSub.Calls()[0][0], "onSubscribe MUST receive the notifier capacity")

	cancel()
	<-finished
	suite.queue.DrainAll()
	suite.Equal("onUnsubscribe()", log.Entries()[1])
	suite.Equal(uint16(0), table.Groups()[0].Characteristic.ClientConfig())
}

func (suite *GoBLETestSuite) TestAdvertisingEarlyError() {
	// GOAL: Verify an immediate stack rejection is returned from StartAdvertising
	//
	// TEST SCENARIO: AdvertiseNameAndServices fails at once → CodeDevice; binding can advertise again

	suite.enable()
	suite.dev.On("AdvertiseNameAndServices", mock.Anything, "blip", mock.Anything).
		Return(errors.New("advertising data too long")).Once()

	err := suite.binding.StartAdvertising("blip", []ble.UUID{ble.UUID16(0xFC00)})
	suite.Require().Error(err)
	suite.Equal(CodeDevice, ErrorCode(err))

	suite.dev.On("AdvertiseNameAndServices", mock.Anything, "blip", mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(context.Canceled).Once()
	suite.NoError(suite.binding.StartAdvertising("blip", nil), "failed attempt MUST NOT leave advertising busy")
	suite.NoError(suite.binding.StopAdvertising())
}

func (suite *GoBLETestSuite) TestAdvertisingLifecycle() {
	// GOAL: Verify advertising runs until stopped and rejects a second start
	//
	// TEST SCENARIO: start → nil after the window; start again → CodeBusy; stop → AdvertiseNameAndServices returns; Close stops device

	suite.enable()
	suite.dev.On("AdvertiseNameAndServices", mock.Anything, "blip", []ble.UUID{ble.UUID16(0xFC00)}).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(context.Canceled).Once()
	suite.dev.On("Stop").Return(nil).Once()

	suite.Require().NoError(suite.binding.StartAdvertising("blip", []ble.UUID{ble.UUID16(0xFC00)}))

	err := suite.binding.StartAdvertising("blip", nil)
	suite.Equal(CodeBusy, ErrorCode(err))

	suite.NoError(suite.binding.StopAdvertising())
	suite.NoError(suite.binding.StopAdvertising(), "stopping twice MUST be a no-op")
	suite.NoError(suite.binding.Close())
	suite.dev.AssertExpectations(suite.T())

	suite.Equal(CodeClosed, ErrorCode(suite.binding.StartAdvertising("blip", nil)))
}

func (suite *GoBLETestSuite) TestAdvertisingNameValidation() {
	// GOAL: Verify advertised names are validated before touching the device
	//
	// TEST SCENARIO: "" and a 30-byte name → CodeInvalidArgument

	suite.enable()
	suite.Equal(CodeInvalidArgument, ErrorCode(suite.binding.StartAdvertising("", nil)))
	suite.ErrorIs(suite.binding.StartAdvertising("abcdefghijklmnopqrstuvwxyz0123", nil), ErrNameTooLong)
	suite.dev.AssertNotCalled(suite.T(), "AdvertiseNameAndServices", mock.Anything, mock.Anything, mock.Anything)
}

func TestGoBLETestSuite(t *testing.T) {
	suite.Run(t, new(GoBLETestSuite))
}

func TestErrorCode(t *testing.T) {
	suite.Run(t, new(errorCodeSuite))
}

type errorCodeSuite struct {
	suite.Suite
}

func (suite *errorCodeSuite) TestMapping() {
	suite.Equal(CodeOK, ErrorCode(nil))
	suite.Equal(CodeUnspecified, ErrorCode(errors.New("boom")))
	suite.Equal(7, ErrorCode(&StackError{Op: "advertise", Code: 7, Err: errors.New("x")}))

	wrapped := errors.Join(errors.New("ctx"), &StackError{Op: "register", Code: CodeBusy, Err: ErrAdvertising})
	suite.Equal(CodeBusy, ErrorCode(wrapped), "codes MUST survive wrapping")
	suite.ErrorIs(wrapped, ErrAdvertising)
}
