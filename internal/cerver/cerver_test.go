package cerver

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrodman/cerver/internal/core/bytes"
	"github.com/dcrodman/cerver/internal/core/client"
	"github.com/dcrodman/cerver/internal/packets"
)

const waitFor = 2 * time.Second

var testVersion = packets.PacketVersion{ProtocolID: 0x0CE7, Major: 1, Minor: 2}

func initRuntime(t *testing.T, cfg RuntimeConfig) *logtest.Hook {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	if cfg.ProtocolVersion == (packets.PacketVersion{}) {
		cfg.ProtocolVersion = testVersion
	}
	require.NoError(t, Init(cfg))
	t.Cleanup(func() { _ = Teardown() })
	return hook
}

func newTestCerver(t *testing.T, maxConnections, maxConcurrent int) *Cerver {
	t.Helper()
	c, err := Create(KindCustom, "127.0.0.1", 0, TCP, false, maxConnections, maxConcurrent)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.NoError(t, c.SetName("test-cerver"))
	return c
}

// startCerver runs c.Start in the background and stops it when the test ends.
func startCerver(t *testing.T, c *Cerver) <-chan error {
	t.Helper()

	errs := make(chan error, 1)
	go func() { errs <- c.Start(context.Background()) }()
	require.Eventually(t, c.Running, waitFor, 5*time.Millisecond)

	t.Cleanup(func() {
		require.NoError(t, c.Shutdown())
		select {
		case err := <-errs:
			require.NoError(t, err)
		default:
		}
	})
	return errs
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	info cerverInfo
	msg  string
}

// dial connects to c and consumes the cerver info packet sent on connect.
func dial(t *testing.T, c *Cerver) *testClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", c.Addr().String(), waitFor)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	tc := &testClient{t: t, conn: conn}
	header, payload := tc.read()
	require.Equal(t, packets.CerverType, header.PacketType)
	require.Equal(t, packets.CerverInfo, header.PacketTypeSecondary)
	require.NoError(t, bytes.StructFromBytes(payload, &tc.info))
	tc.msg = string(payload[len(payload)-int(tc.info.WelcomeMsgBytes):])
	return tc
}

func (tc *testClient) send(t packets.PacketType, reqType uint32, handlerID uint8, payload []byte) {
	tc.t.Helper()
	_, err := tc.conn.Write(packets.NewFrame(t, reqType, handlerID, payload))
	require.NoError(tc.t, err)
}

func (tc *testClient) read() (packets.PacketHeader, []byte) {
	tc.t.Helper()
	require.NoError(tc.t, tc.conn.SetReadDeadline(time.Now().Add(waitFor)))
	header, frame, err := packets.ReadFrame(tc.conn, packets.DefaultLimits(), nil)
	require.NoError(tc.t, err)
	return header, frame[packets.HeaderSize:]
}

// expectClosed asserts that the cerver closes the connection.
func (tc *testClient) expectClosed() {
	tc.t.Helper()
	require.NoError(tc.t, tc.conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := tc.conn.Read(make([]byte, 1))
	require.True(tc.t, errors.Is(err, io.EOF) || isReset(err), "expected connection to be closed, got %v", err)
}

func isReset(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && !opErr.Timeout()
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for handler")
	}
	var zero T
	return zero
}

func TestCreate_BeforeInit(t *testing.T) {
	_ = Teardown()

	c, err := Create(KindCustom, "127.0.0.1", 0, TCP, false, 6, 2)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInit_Twice(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	assert.ErrorIs(t, Init(RuntimeConfig{}), ErrAlreadyInitialized)
	assert.True(t, Initialized())
}

func TestCreate_InvalidArguments(t *testing.T) {
	initRuntime(t, RuntimeConfig{})

	tests := []struct {
		name           string
		port           int
		protocol       Protocol
		maxConnections int
		maxConcurrent  int
		wantErr        error
	}{
		{name: "negative port", port: -1, protocol: TCP, wantErr: ErrInvalidPort},
		{name: "port out of range", port: 70000, protocol: TCP, wantErr: ErrInvalidPort},
		{name: "udp", port: 0, protocol: UDP, wantErr: ErrUnsupportedProtocol},
		{name: "unknown protocol", port: 0, protocol: Protocol(99), wantErr: ErrUnsupportedProtocol},
		{name: "negative max connections", port: 0, protocol: TCP, maxConnections: -1, wantErr: ErrInvalidLimit},
		{name: "negative max concurrent", port: 0, protocol: TCP, maxConcurrent: -2, wantErr: ErrInvalidLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Create(KindCustom, "127.0.0.1", tt.port, tt.protocol, false, tt.maxConnections, tt.maxConcurrent)
			assert.Nil(t, c)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreate_BindFailure(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	first := newTestCerver(t, 6, 2)

	c, err := Create(KindCustom, "127.0.0.1", first.Port(), TCP, false, 6, 2)
	assert.Nil(t, c)
	assert.Error(t, err)
}

func TestStart_Twice(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)

	errs := make(chan error, 1)
	go func() { errs <- c.Start(context.Background()) }()
	require.Eventually(t, c.Running, waitFor, 5*time.Millisecond)

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, c.Running())

	require.NoError(t, c.Shutdown())
	require.NoError(t, receive(t, errs))
	assert.False(t, c.Running())
}

func TestStart_ContextCancel(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- c.Start(ctx) }()
	require.Eventually(t, c.Running, waitFor, 5*time.Millisecond)

	cancel()
	require.NoError(t, receive(t, errs))

	// A stopped cerver can be started again on the same listener.
	startCerver(t, c)
	dial(t, c)
}

func TestTeardown(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	startCerver(t, c)

	require.NoError(t, c.Teardown())
	require.NoError(t, c.Teardown())
	assert.ErrorIs(t, c.Start(context.Background()), ErrUnusable)
	assert.ErrorIs(t, c.SetName("other"), ErrUnusable)
}

func TestRuntimeTeardown_TearsDownCervers(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	errs := make(chan error, 1)
	go func() { errs <- c.Start(context.Background()) }()
	require.Eventually(t, c.Running, waitFor, 5*time.Millisecond)

	require.NoError(t, Teardown())
	require.NoError(t, receive(t, errs))
	assert.False(t, Initialized())
	assert.ErrorIs(t, c.Start(context.Background()), ErrUnusable)
}

func TestSetters_AfterStart(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	startCerver(t, c)

	noop := HandlerFunc(func(*Packet) error { return nil })
	assert.ErrorIs(t, c.SetAppPacketHandler(noop, false), ErrAlreadyRunning)
	assert.ErrorIs(t, c.SetCustomPacketHandler(noop, true), ErrAlreadyRunning)
	assert.ErrorIs(t, c.SetCheckPackets(true), ErrAlreadyRunning)
	assert.ErrorIs(t, c.SetName("renamed"), ErrAlreadyRunning)
	assert.ErrorIs(t, c.SetAuth(1, func(*Packet) error { return nil }), ErrAlreadyRunning)
	assert.ErrorIs(t, c.SetUpdateInterval(func(*Cerver) {}, time.Second), ErrAlreadyRunning)
	assert.Equal(t, "test-cerver", c.Name())
}

func TestShutdown_RightAfterConnecting(t *testing.T) {
	initRuntime(t, RuntimeConfig{})

	for _, auth := range []bool{false, true} {
		t.Run("auth="+strconv.FormatBool(auth), func(t *testing.T) {
			for i := 0; i < 20; i++ {
				c := newTestCerver(t, 6, 2)
				if auth {
					require.NoError(t, c.SetAuth(0, func(*Packet) error { return nil }))
				}
				errs := make(chan error, 1)
				go func() { errs <- c.Start(context.Background()) }()
				require.Eventually(t, c.Running, waitFor, time.Millisecond)

				conn, err := net.DialTimeout("tcp", c.Addr().String(), waitFor)
				require.NoError(t, err)
				time.Sleep(time.Duration(i) * 10 * time.Microsecond)

				// The idle client never hangs up on its own.
				stopped := make(chan error, 1)
				go func() { stopped <- c.Shutdown() }()
				require.NoError(t, receive(t, stopped), "iteration %d", i)
				require.NoError(t, receive(t, errs))

				conn.Close()
				require.NoError(t, c.Teardown())
			}
		})
	}
}

func TestShutdown_NotifiesClients(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	errs := startCerver(t, c)

	tc := dial(t, c)
	require.Eventually(t, func() bool { return len(c.Clients()) == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, c.Shutdown())
	require.NoError(t, receive(t, errs))

	header, payload := tc.read()
	assert.Equal(t, packets.CerverType, header.PacketType)
	assert.Equal(t, packets.CerverTeardown, header.PacketTypeSecondary)
	assert.Empty(t, payload)
	tc.expectClosed()
}

func TestAuth_HoldsConnectionUntilAuthenticated(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)

	require.NoError(t, c.SetAuth(0, func(p *Packet) error {
		if string(p.Unread()) != "secret" {
			return errors.New("bad credentials")
		}
		p.Client.Name = "player-one"
		return nil
	}))
	connected := make(chan string, 1)
	require.NoError(t, c.SetOnClientConnected(func(cl *client.Client) { connected <- cl.Name }))
	apps := make(chan string, 1)
	require.NoError(t, c.SetAppPacketHandler(HandlerFunc(func(p *Packet) error {
		apps <- string(p.Data)
		return nil
	}), false))
	startCerver(t, c)

	tc := dial(t, c)
	assert.True(t, tc.info.AuthRequired)
	header, _ := tc.read()
	require.Equal(t, packets.AuthType, header.PacketType)
	require.Equal(t, packets.AuthRequest, header.PacketTypeSecondary)

	// Nothing but auth and test packets is processed while the connection is on hold.
	tc.send(packets.AppType, 0, 0, []byte("too early"))
	require.Eventually(t, func() bool { return c.Stats().BadPackets == 1 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, c.Clients())
	assert.Equal(t, uint64(1), c.Stats().OnHoldConnections)

	tc.send(packets.TestType, 3, 0, nil)
	header, _ = tc.read()
	assert.Equal(t, packets.TestType, header.PacketType)

	tc.send(packets.AuthType, packets.AuthClientData, 0, []byte("wrong"))
	header, payload := tc.read()
	assert.Equal(t, packets.ErrorType, header.PacketType)
	assert.Equal(t, packets.ErrorFailedAuth, header.PacketTypeSecondary)
	assert.Equal(t, "bad credentials", string(payload))

	tc.send(packets.AuthType, packets.AuthClientData, 0, []byte("secret"))
	header, _ = tc.read()
	assert.Equal(t, packets.AuthType, header.PacketType)
	assert.Equal(t, packets.AuthSuccess, header.PacketTypeSecondary)
	assert.Equal(t, "player-one", receive(t, connected))

	tc.send(packets.AppType, 0, 0, []byte("welcome"))
	assert.Equal(t, "welcome", receive(t, apps))

	require.Len(t, c.Clients(), 1)
	stats := c.Stats()
	assert.Zero(t, stats.OnHoldConnections)
	assert.Equal(t, uint64(4), stats.OnHoldPacketsReceived)
	assert.Equal(t, uint64(1), stats.ConnectedClients)
	assert.Equal(t, uint64(1), stats.ReceivedByType[packets.AppType])
}

func TestAuth_DropsAfterMaxTries(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	require.NoError(t, c.SetAuth(2, func(*Packet) error { return errors.New("denied") }))
	startCerver(t, c)

	tc := dial(t, c)
	tc.read()
	for i := 0; i < 2; i++ {
		tc.send(packets.AuthType, packets.AuthClientData, 0, []byte("guess"))
		header, _ := tc.read()
		assert.Equal(t, packets.ErrorFailedAuth, header.PacketTypeSecondary)
	}
	tc.expectClosed()

	require.Eventually(t, func() bool { return c.Stats().OnHoldConnections == 0 }, waitFor, 5*time.Millisecond)
	assert.Zero(t, c.Stats().TotalConnections)
}

func TestAuth_PanicFailsAttempt(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	require.NoError(t, c.SetAuth(1, func(*Packet) error { panic("authenticate bug") }))
	startCerver(t, c)

	tc := dial(t, c)
	tc.read()
	tc.send(packets.AuthType, packets.AuthClientData, 0, []byte("creds"))
	header, payload := tc.read()
	assert.Equal(t, packets.ErrorFailedAuth, header.PacketTypeSecondary)
	assert.Equal(t, errAuthPanic.Error(), string(payload))
	tc.expectClosed()
}

func TestSetAuth_InvalidTries(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	assert.ErrorIs(t, c.SetAuth(-1, func(*Packet) error { return nil }), ErrInvalidLimit)

	// A nil authenticate function turns authentication back off.
	require.NoError(t, c.SetAuth(0, func(*Packet) error { return nil }))
	require.NoError(t, c.SetAuth(0, nil))
	startCerver(t, c)
	assert.False(t, dial(t, c).info.AuthRequired)
}

func TestOnClientConnected(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)

	connected := make(chan uint64, 1)
	require.NoError(t, c.SetOnClientConnected(func(cl *client.Client) { connected <- cl.ID() }))
	startCerver(t, c)

	dial(t, c)
	id := receive(t, connected)
	clients := c.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, clients[0].ID(), id)
}

func TestUpdates(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)

	assert.ErrorIs(t, c.SetUpdate(func(*Cerver) {}, 0), ErrInvalidInterval)
	assert.ErrorIs(t, c.SetUpdateInterval(func(*Cerver) {}, 0), ErrInvalidInterval)

	calls := make(chan string, 64)
	record := func(name string) UpdateFunc {
		return func(*Cerver) {
			select {
			case calls <- name:
			default:
			}
		}
	}
	require.NoError(t, c.SetUpdate(record("update"), 100))
	require.NoError(t, c.SetUpdateInterval(record("interval"), 10*time.Millisecond))
	errs := startCerver(t, c)

	seen := make(map[string]bool)
	for len(seen) < 2 {
		seen[receive(t, calls)] = true
	}

	require.NoError(t, c.Shutdown())
	require.NoError(t, receive(t, errs))
	for len(calls) > 0 {
		<-calls
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, calls, "updates kept running after shutdown")
}

func TestUpdate_PanicIsRecovered(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)

	var (
		mu    sync.Mutex
		calls int
	)
	require.NoError(t, c.SetUpdateInterval(func(*Cerver) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("update bug")
	}, 5*time.Millisecond))
	startCerver(t, c)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, waitFor, 5*time.Millisecond)
	assert.True(t, c.Running())
}

func TestCerverInfo(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	require.NoError(t, c.SetWelcomeMessage("welcome!"))
	startCerver(t, c)

	tc := dial(t, c)
	assert.Equal(t, "test-cerver", string(bytes.StripPadding(tc.info.Name[:])))
	assert.Equal(t, int32(KindCustom), tc.info.Kind)
	assert.Equal(t, uint8(TCP), tc.info.Protocol)
	assert.Equal(t, uint16(c.Port()), tc.info.Port)
	assert.Equal(t, uint32(6), tc.info.MaxConnections)
	assert.Equal(t, testVersion.ProtocolID, tc.info.ProtocolID)
	assert.False(t, tc.info.AuthRequired)
	assert.Equal(t, "welcome!", tc.msg)
}

func TestAppPacket_BorrowedDataRef(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c, err := Create(KindCustom, "127.0.0.1", 0, TCP, false, 6, 2)
	require.NoError(t, err)

	type observed struct {
		dataRef, packetRef bool
		framingErr         error
		payload            string
	}
	seen := make(chan observed, 1)
	require.NoError(t, c.SetAppPacketHandler(HandlerFunc(func(p *Packet) error {
		seen <- observed{
			dataRef:    p.DataRef(),
			packetRef:  p.PacketRef(),
			framingErr: p.CheckFraming(),
			payload:    string(p.Data),
		}
		return nil
	}), true))
	startCerver(t, c)

	tc := dial(t, c)
	tc.send(packets.AppType, 0, 0, []byte("synthetic"))

	got := receive(t, seen)
	assert.True(t, got.dataRef)
	assert.True(t, got.packetRef)
	assert.NoError(t, got.framingErr)
	assert.Equal(t, "synthetic", got.payload)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.ReceivedByType[packets.AppType])
	assert.Zero(t, stats.BadPackets)
}

func TestAppPacket_LastHandlerWins(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)

	calls := make(chan string, 2)
	require.NoError(t, c.SetAppPacketHandler(HandlerFunc(func(*Packet) error {
		calls <- "first"
		return nil
	}), false))
	require.NoError(t, c.SetAppPacketHandler(HandlerFunc(func(*Packet) error {
		calls <- "second"
		return nil
	}), false))
	startCerver(t, c)

	dial(t, c).send(packets.AppType, 0, 0, []byte{1})
	assert.Equal(t, "second", receive(t, calls))
}

func TestAppPacket_Owned(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	require.NoError(t, c.SetDeletePackets(packets.AppType, false))

	kept := make(chan *Packet, 2)
	require.NoError(t, c.SetAppPacketHandler(HandlerFunc(func(p *Packet) error {
		kept <- p
		return nil
	}), false))
	startCerver(t, c)

	tc := dial(t, c)
	tc.send(packets.AppType, 3, 0, []byte("first packet"))
	tc.send(packets.AppType, 4, 0, []byte("second packet"))

	first, second := receive(t, kept), receive(t, kept)
	assert.False(t, first.DataRef())
	assert.False(t, first.PacketRef())
	// Owned data stays intact after later packets were read.
	assert.Equal(t, "first packet", string(first.Data))
	assert.Equal(t, "second packet", string(second.Data))
	assert.Equal(t, uint32(3), first.ReqType)
	assert.Equal(t, uint64(len(first.Data)), first.Header.PacketSize)
}

func TestAppPacket_DedicatedWorkersRunConcurrently(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	require.NoError(t, c.SetAppPacketHandler(HandlerFunc(func(*Packet) error {
		started <- struct{}{}
		<-release
		return nil
	}), true))
	startCerver(t, c)
	defer close(release)

	dial(t, c).send(packets.AppType, 0, 0, nil)
	dial(t, c).send(packets.AppType, 0, 0, nil)

	// Both packets are in their handler at the same time.
	receive(t, started)
	receive(t, started)
}

func TestMultipleHandlers(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	require.NoError(t, c.SetMultipleHandlers(2))

	calls := make(chan uint8, 2)
	for id := uint8(0); id < 2; id++ {
		id := id
		require.NoError(t, c.AddHandler(id, HandlerFunc(func(p *Packet) error {
			calls <- id
			return nil
		}), id == 1))
	}
	assert.ErrorIs(t, c.AddHandler(2, HandlerFunc(func(*Packet) error { return nil }), false), ErrInvalidHandlerID)
	startCerver(t, c)

	tc := dial(t, c)
	tc.send(packets.AppType, 0, 1, nil)
	assert.Equal(t, uint8(1), receive(t, calls))
	tc.send(packets.AppType, 0, 0, nil)
	assert.Equal(t, uint8(0), receive(t, calls))

	tc.send(packets.AppType, 0, 7, nil)
	require.Eventually(t, func() bool { return c.Stats().BadPackets == 1 }, waitFor, 5*time.Millisecond)
}

func TestAppErrorAndCustomHandlers(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)

	calls := make(chan packets.PacketType, 2)
	record := HandlerFunc(func(p *Packet) error {
		calls <- p.PacketType
		return nil
	})
	require.NoError(t, c.SetAppErrorPacketHandler(record, false))
	require.NoError(t, c.SetCustomPacketHandler(record, true))
	startCerver(t, c)

	tc := dial(t, c)
	tc.send(packets.AppErrorType, 0, 0, []byte("oops"))
	assert.Equal(t, packets.AppErrorType, receive(t, calls))
	tc.send(packets.CustomType, 0, 0, nil)
	assert.Equal(t, packets.CustomType, receive(t, calls))
}

func TestCheckPackets(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	require.NoError(t, c.SetCheckPackets(true))

	type observed struct {
		version packets.PacketVersion
		rest    string
	}
	seen := make(chan observed, 1)
	require.NoError(t, c.SetAppPacketHandler(HandlerFunc(func(p *Packet) error {
		seen <- observed{version: *p.Version, rest: string(p.Unread())}
		return nil
	}), false))
	startCerver(t, c)

	tc := dial(t, c)
	compatible := testVersion
	compatible.Minor = 9
	tc.send(packets.AppType, 0, 0, append(packets.EncodeVersion(compatible), "payload"...))

	got := receive(t, seen)
	assert.Equal(t, compatible, got.version)
	assert.Equal(t, "payload", got.rest)

	incompatible := testVersion
	incompatible.Major = 2
	tc.send(packets.AppType, 0, 0, packets.EncodeVersion(incompatible))
	tc.send(packets.AppType, 0, 0, []byte{1, 2})
	require.Eventually(t, func() bool { return c.Stats().BadPackets == 2 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, seen)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	hook := initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	require.NoError(t, c.SetAppPacketHandler(HandlerFunc(func(*Packet) error {
		panic("handler bug")
	}), false))
	startCerver(t, c)

	tc := dial(t, c)
	tc.send(packets.AppType, 0, 0, nil)

	// The connection survives: a test packet is still echoed.
	tc.send(packets.TestType, 5, 0, nil)
	header, payload := tc.read()
	assert.Equal(t, packets.TestType, header.PacketType)
	assert.Equal(t, uint32(5), header.PacketTypeSecondary)
	assert.Empty(t, payload)

	assert.Equal(t, uint64(1), c.Stats().BadPackets)
	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel {
			logged = true
		}
	}
	assert.True(t, logged, "expected the panic to be logged")
}

func TestUnknownPacketType(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	startCerver(t, c)

	dial(t, c).send(packets.PacketType(42), 0, 0, []byte{1, 2, 3})
	require.Eventually(t, func() bool { return c.Stats().BadPackets == 1 }, waitFor, 5*time.Millisecond)
}

func TestClientPackets(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	startCerver(t, c)

	closing := dial(t, c)
	require.Eventually(t, func() bool { return len(c.Clients()) == 1 }, waitFor, 5*time.Millisecond)
	closing.send(packets.ClientType, packets.ClientCloseConnection, 0, nil)
	closing.expectClosed()

	disconnecting := dial(t, c)
	disconnecting.send(packets.ClientType, packets.ClientDisconnect, 0, nil)
	disconnecting.expectClosed()

	require.Eventually(t, func() bool { return len(c.Clients()) == 0 }, waitFor, 5*time.Millisecond)
	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.TotalConnections)
	assert.Zero(t, stats.ConnectedClients)
}

func TestClientPackets_UnknownRequest(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	startCerver(t, c)

	tc := dial(t, c)
	tc.send(packets.ClientType, 99, 0, nil)
	require.Eventually(t, func() bool { return c.Stats().BadPackets == 1 }, waitFor, 5*time.Millisecond)

	// The client stays connected.
	tc.send(packets.TestType, 0, 0, nil)
	header, _ := tc.read()
	assert.Equal(t, packets.TestType, header.PacketType)
	assert.Len(t, c.Clients(), 1)
}

func TestMaxConnections(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 1, 1)
	startCerver(t, c)

	first := dial(t, c)

	// The second connection is only served once the first one is gone.
	waiting, err := net.DialTimeout("tcp", c.Addr().String(), waitFor)
	require.NoError(t, err)
	defer waiting.Close()
	require.NoError(t, waiting.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = packets.ReadFrame(waiting, packets.DefaultLimits(), nil)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected a timeout, got %v", err)

	first.send(packets.ClientType, packets.ClientCloseConnection, 0, nil)
	first.expectClosed()

	require.NoError(t, waiting.SetReadDeadline(time.Now().Add(waitFor)))
	header, _, err := packets.ReadFrame(waiting, packets.DefaultLimits(), nil)
	require.NoError(t, err)
	assert.Equal(t, packets.CerverType, header.PacketType)
}

func TestGameLobbies(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)

	lobbies := make(chan *Lobby, 1)
	require.NoError(t, c.SetAppPacketHandler(HandlerFunc(func(p *Packet) error {
		lobbies <- p.Lobby
		return nil
	}), false))
	startCerver(t, c)

	owner := dial(t, c)
	owner.send(packets.GameType, packets.GameLobbyCreate, 0, bytes.FixedString("arena", 16))
	header, payload := owner.read()
	require.Equal(t, packets.GameType, header.PacketType)
	require.Equal(t, packets.GameLobbyCreate, header.PacketTypeSecondary)
	lobbyID := binary.LittleEndian.Uint32(payload)

	lobby, ok := c.Lobby(lobbyID)
	require.True(t, ok)
	assert.Equal(t, "arena", lobby.Name)

	guest := dial(t, c)
	guest.send(packets.GameType, packets.GameLobbyJoin, 0, lobbyIDPayload(lobbyID))
	header, payload = guest.read()
	require.Equal(t, packets.GameLobbyJoin, header.PacketTypeSecondary)
	assert.Equal(t, lobbyID, binary.LittleEndian.Uint32(payload))
	assert.Equal(t, 2, lobby.Size())

	guest.send(packets.AppType, 0, 0, nil)
	assert.Same(t, lobby, receive(t, lobbies))

	// Joining a lobby that does not exist is answered with an error packet.
	guest.send(packets.GameType, packets.GameLobbyJoin, 0, lobbyIDPayload(lobbyID+100))
	header, payload = guest.read()
	assert.Equal(t, packets.ErrorType, header.PacketType)
	assert.Contains(t, string(payload), "lobby not found")

	guest.send(packets.GameType, packets.GameLobbyLeave, 0, nil)
	header, _ = guest.read()
	assert.Equal(t, packets.GameLobbyLeave, header.PacketTypeSecondary)
	assert.Equal(t, 1, lobby.Size())
	// The app packet, the failed join and the leave were sent from inside the lobby.
	assert.Equal(t, uint64(3), lobby.PacketsReceived())
}

func TestInactiveClients(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 6, 2)
	require.NoError(t, c.SetInactiveClients(100*time.Millisecond, 10*time.Millisecond))
	startCerver(t, c)

	idle := dial(t, c)
	idle.expectClosed()
	require.Eventually(t, func() bool { return len(c.Clients()) == 0 }, waitFor, 5*time.Millisecond)
}

func TestConcurrentClients(t *testing.T) {
	initRuntime(t, RuntimeConfig{})
	c := newTestCerver(t, 0, 4)

	var mu sync.Mutex
	received := make(map[string]int)
	done := make(chan struct{}, 40)
	require.NoError(t, c.SetAppPacketHandler(HandlerFunc(func(p *Packet) error {
		mu.Lock()
		received[string(p.Data)]++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}), true))
	startCerver(t, c)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		tc := dial(t, c)
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := tc.conn.Write(packets.NewFrame(packets.AppType, 0, 0, []byte("client-"+strconv.Itoa(id))))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < 40; i++ {
		receive(t, done)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 4; i++ {
		assert.Equal(t, 10, received["client-"+strconv.Itoa(i)])
	}
}
