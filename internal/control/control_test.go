package control

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finit-go/finit/internal/condition"
	"github.com/finit-go/finit/internal/logging"
	"github.com/finit-go/finit/internal/procsup"
	"github.com/finit-go/finit/internal/reactor"
	"github.com/finit-go/finit/internal/registry"
	"github.com/finit-go/finit/internal/service"
)

type fakeRunlevel struct {
	current byte
	setErr  error
	lastSet byte
}

func (f *fakeRunlevel) CurrentRunlevel() byte { return f.current }

func (f *fakeRunlevel) Set(_ context.Context, target byte) error {
	f.lastSet = target
	if f.setErr != nil {
		return f.setErr
	}
	f.current = target
	return nil
}

type fakeReloader struct {
	calls int
	err   error
}

func (f *fakeReloader) Reload(context.Context) error {
	f.calls++
	return f.err
}

type fakeDriver struct {
	swept   int
	stopped []service.ID
	reset   []service.ID
}

func (d *fakeDriver) Sweep() { d.swept++ }

func (d *fakeDriver) StopService(rec *registry.Record) { d.stopped = append(d.stopped, rec.ID) }

func (d *fakeDriver) ResetCrash(rec *registry.Record) {
	d.reset = append(d.reset, rec.ID)
	rec.RestartCnt = 0
	rec.Crashed = false
}

type testServer struct {
	srv  *Server
	reg  *registry.Registry
	cond *condition.Store
	rl   *fakeRunlevel
	rel  *fakeReloader
	drv  *fakeDriver
	sock string
	stop func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logging.Nop()

	loop, err := reactor.New(log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()

	sup, err := procsup.New(log, loop, nil)
	require.NoError(t, err)

	reg := registry.New()
	cond := condition.New(log, func() {})
	rl := &fakeRunlevel{current: '2'}
	rel := &fakeReloader{}
	drv := &fakeDriver{}

	srv := New(log, loop, reg, cond, sup, rl, rel, drv, nil)
	sock := filepath.Join(t.TempDir(), "finit.sock")
	require.NoError(t, srv.Listen(sock))

	return &testServer{
		srv: srv, reg: reg, cond: cond, rl: rl, rel: rel, drv: drv, sock: sock,
		stop: func() {
			_ = srv.Close()
			cancel()
			<-done
			_ = loop.Close()
		},
	}
}

// clientRoundTrip dials the server's socket, sends one request using the
// server's own wire framing, and returns the parsed reply.
func clientRoundTrip(t *testing.T, sock string, req Request) Reply {
	t.Helper()
	conn, err := net.DialTimeout("unix", sock, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	hdr[4] = byte(req.Command)
	hdr[5] = req.Runlevel
	binary.BigEndian.PutUint16(hdr[6:8], uint16(len(req.Data)))
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Write(hdr[:])
	require.NoError(t, err)
	_, err = conn.Write([]byte(req.Data))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	var replyHdr [5]byte
	_, err = readFull(r, replyHdr[:])
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(replyHdr[1:5])
	payload := make([]byte, n)
	_, err = readFull(r, payload)
	require.NoError(t, err)
	return Reply{Ok: replyHdr[0] == 1, Payload: string(payload)}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestServer_CmdStatus_ListsRegisteredRecords(t *testing.T) {
	ts := newTestServer(t)
	defer ts.stop()

	ts.reg.Register(service.Definition{ID: service.ID{Cmd: "web", Num: "1"}, Name: "web1"})

	rep := clientRoundTrip(t, ts.sock, Request{Command: CmdStatus})
	assert.True(t, rep.Ok)
	assert.Contains(t, rep.Payload, "web1")
}

func TestServer_CmdRunlevelGetAndSet(t *testing.T) {
	ts := newTestServer(t)
	defer ts.stop()

	rep := clientRoundTrip(t, ts.sock, Request{Command: CmdRunlevelGet})
	assert.True(t, rep.Ok)
	assert.Equal(t, "2", rep.Payload)

	rep = clientRoundTrip(t, ts.sock, Request{Command: CmdRunlevelSet, Runlevel: '3'})
	assert.True(t, rep.Ok)
	assert.Equal(t, byte('3'), ts.rl.lastSet)
}

func TestServer_CmdRunlevelSet_MissingRunlevelIsRejected(t *testing.T) {
	ts := newTestServer(t)
	defer ts.stop()

	rep := clientRoundTrip(t, ts.sock, Request{Command: CmdRunlevelSet})
	assert.False(t, rep.Ok)
}

func TestServer_CmdStartStopRestart_DrivesTheStateMachine(t *testing.T) {
	ts := newTestServer(t)
	defer ts.stop()

	rec, _ := ts.reg.Register(service.Definition{ID: service.ID{Cmd: "web", Num: "1"}, Name: "web1", Manual: true})

	rep := clientRoundTrip(t, ts.sock, Request{Command: CmdStart, Data: "web1"})
	assert.True(t, rep.Ok)
	assert.False(t, rec.Manual)

	rep = clientRoundTrip(t, ts.sock, Request{Command: CmdStop, Data: "web1"})
	assert.True(t, rep.Ok)
	assert.True(t, rec.Manual)
	assert.Contains(t, ts.drv.stopped, rec.ID)

	rec.Crashed = true
	rec.RestartCnt = 10

	rep = clientRoundTrip(t, ts.sock, Request{Command: CmdRestart, Data: "web1"})
	assert.True(t, rep.Ok)
	assert.True(t, rec.Dirty)
	assert.GreaterOrEqual(t, ts.drv.swept, 3)
	assert.Contains(t, ts.drv.reset, rec.ID, "CmdRestart must clear crash-respawn bookkeeping")
	assert.False(t, rec.Crashed)
	assert.Equal(t, 0, rec.RestartCnt)
}

func TestServer_CmdStart_UnknownServiceErrors(t *testing.T) {
	ts := newTestServer(t)
	defer ts.stop()

	rep := clientRoundTrip(t, ts.sock, Request{Command: CmdStart, Data: "nope"})
	assert.False(t, rep.Ok)
}

func TestServer_CmdReload_Succeeds(t *testing.T) {
	ts := newTestServer(t)
	defer ts.stop()

	rep := clientRoundTrip(t, ts.sock, Request{Command: CmdReload})
	assert.True(t, rep.Ok)
	assert.Equal(t, 1, ts.rel.calls)
}

func TestServer_CmdCondSetGetClear(t *testing.T) {
	ts := newTestServer(t)
	defer ts.stop()

	rep := clientRoundTrip(t, ts.sock, Request{Command: CmdCondSet, Data: "net/eth0/up"})
	require.True(t, rep.Ok)

	rep = clientRoundTrip(t, ts.sock, Request{Command: CmdCondGet, Data: "net/eth0/up"})
	assert.True(t, rep.Ok)
	assert.Equal(t, "on", rep.Payload)

	rep = clientRoundTrip(t, ts.sock, Request{Command: CmdCondClear, Data: "net/eth0/up"})
	require.True(t, rep.Ok)

	rep = clientRoundTrip(t, ts.sock, Request{Command: CmdCondGet, Data: "net/eth0/up"})
	assert.Equal(t, "off", rep.Payload)
}

func TestServer_CmdCondSet_InvalidNameErrors(t *testing.T) {
	ts := newTestServer(t)
	defer ts.stop()

	rep := clientRoundTrip(t, ts.sock, Request{Command: CmdCondSet, Data: "Bad Name!"})
	assert.False(t, rep.Ok)
}

func TestServer_CmdSuspend_SetsNoRespawn(t *testing.T) {
	ts := newTestServer(t)
	defer ts.stop()

	rep := clientRoundTrip(t, ts.sock, Request{Command: CmdSuspend})
	assert.True(t, rep.Ok)

	_, err := ts.srv.sup.Start(service.Definition{
		ID:   service.ID{Cmd: "test", Num: "1"},
		Argv: []string{"/bin/sh", "-c", "exit 0"},
	})
	assert.Error(t, err, "CmdSuspend must engage the global no-respawn pause")
}

func TestServer_UnknownCommandIsRejected(t *testing.T) {
	ts := newTestServer(t)
	defer ts.stop()

	rep := clientRoundTrip(t, ts.sock, Request{Command: Command(200)})
	assert.False(t, rep.Ok)
}

func TestServer_MalformedMagicIsRejected(t *testing.T) {
	ts := newTestServer(t)
	defer ts.stop()

	conn, err := net.DialTimeout("unix", ts.sock, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], 0xdeadbeef)
	_, err = conn.Write(hdr[:])
	require.NoError(t, err)

	// a bad magic drops the connection server-side rather than replying;
	// the read should eventually observe EOF rather than a well-formed reply.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}
