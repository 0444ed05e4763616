package rollback

import (
	"encoding/binary"
	"hash/crc32"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/dendy/internal/binario"
	"github.com/maxpoletaev/dendy/raproto"
)

// fakeCore is a minimal Core: its "state" is just a frame counter, so
// rollback/replay correctness can be checked by comparing run counts and
// the sequence of inputs the engine handed back through GetInput.
type fakeCore struct {
	counter uint32
	engine  *Engine
	runs    int
	seen    []uint16 // remote input observed on each RunOneFrame, in order
}

func (c *fakeCore) SerializeSize() int { return 4 }

func (c *fakeCore) Serialize(buf []byte) error {
	binary.BigEndian.PutUint32(buf, c.counter)
	return nil
}

func (c *fakeCore) Unserialize(buf []byte) error {
	c.counter = binary.BigEndian.Uint32(buf)
	return nil
}

func (c *fakeCore) RunOneFrame() {
	c.runs++
	c.counter++
	if c.engine != nil {
		c.seen = append(c.seen, c.engine.GetInput(0)) // 0 = remote/host slot in these tests
	}
}

const testClientNum = 1 // our player slot; 0 is the remote peer

func newTestEngine(t *testing.T, core Core) (*Engine, net.Conn) {
	t.Helper()

	client, server := tcpPair(t)
	t.Cleanup(func() { client.Close() })

	e, err := Init(server, core, 0, testClientNum)
	require.NoError(t, err)
	t.Cleanup(func() { e.conn.Close() })

	return e, client
}

func TestUpdateSendsLocalInputEveryFrame(t *testing.T) {
	core := &fakeCore{}
	e, peer := newTestEngine(t, core)
	defer peer.Close()

	require.NoError(t, e.Update(0x0001))

	buf := make([]byte, 12)
	hdr, n, err := raproto.RecvCommand(peer, buf, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, raproto.CmdInput, hdr.Cmd)

	frame, player, input, err := raproto.ParseInput(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(0), frame)
	assert.Equal(t, uint32(testClientNum), player)
	assert.Equal(t, uint16(0x0001), input)
}

func TestPerfectPredictionNeverRollsBack(t *testing.T) {
	core := &fakeCore{}
	e, peer := newTestEngine(t, core)
	defer peer.Close()

	for f := uint32(0); f < 5; f++ {
		// The peer confirms this frame's remote input before we tick it,
		// matching the zero value the engine already predicts — no
		// correction is implied.
		require.NoError(t, raproto.SendInput(peer, f, 0, 0))
		waitForPending(t, e)

		require.NoError(t, e.Update(uint16(f)))

		// Drain our own outgoing input so the socket buffer doesn't fill.
		_, _, _ = raproto.RecvCommand(peer, make([]byte, 12), time.Now().Add(time.Second))

		core.RunOneFrame()
		require.NoError(t, e.PostFrame())
	}

	assert.False(t, e.IsDesynced())
	assert.Equal(t, 5, core.runs) // no replay frames beyond the 5 real ticks
}

func TestMispredictionTriggersRollbackReplay(t *testing.T) {
	core := &fakeCore{}
	e, peer := newTestEngine(t, core)
	defer peer.Close()
	core.engine = e

	// Advance three real frames with the default (zero) remote prediction,
	// never confirmed.
	for f := uint32(0); f < 3; f++ {
		require.NoError(t, e.Update(0))
		_, _, _ = raproto.RecvCommand(peer, make([]byte, 12), time.Now().Add(time.Second))
		core.RunOneFrame()
		require.NoError(t, e.PostFrame())
	}

	runsBeforeCorrection := core.runs

	// The peer now confirms frame 0 with a nonzero input: this contradicts
	// the zero prediction the engine already simulated with.
	require.NoError(t, raproto.SendInput(peer, 0, 0, 0x00F0))
	waitForPending(t, e)

	require.NoError(t, e.Update(0))

	assert.Greater(t, core.runs, runsBeforeCorrection, "rollback should have replayed frames 0..2")
	assert.Contains(t, core.seen, uint16(0x00F0), "replay should have observed the corrected input")
}

func TestRollbackGapBeyondRingCapacityIsAbandoned(t *testing.T) {
	core := &fakeCore{}
	e, peer := newTestEngine(t, core)
	defer peer.Close()

	e.selfFrame = ringSize + 10
	e.oldestWrong = 0
	e.haveOldestWrong = true

	runsBefore := core.runs
	e.doRollback(e.oldestWrong)

	assert.Equal(t, runsBefore, core.runs, "overflowing rollback must not replay anything")
	assert.Contains(t, e.GetStatusMessage(), "overflow")

	_ = peer
}

func TestEchoedOwnInputIsIgnored(t *testing.T) {
	core := &fakeCore{}
	e, peer := newTestEngine(t, core)
	defer peer.Close()

	require.NoError(t, e.Update(0x1234))
	_, _, _ = raproto.RecvCommand(peer, make([]byte, 12), time.Now().Add(time.Second))

	// The host echoes our own CMD_INPUT back with our own client number.
	require.NoError(t, raproto.SendInput(peer, 0, testClientNum, 0x1234))
	waitForPending(t, e)

	require.NoError(t, e.Update(1))

	assert.False(t, e.haveOldestWrong, "our own echoed input must not be treated as a remote correction")
	assert.False(t, e.ring.slot(0).remoteConfirmed, "our own echoed input must not confirm the remote slot")
}

func TestCRCMismatchSetsDesync(t *testing.T) {
	core := &fakeCore{}
	e, peer := newTestEngine(t, core)
	defer peer.Close()

	require.NoError(t, e.Update(0))
	_, _, _ = raproto.RecvCommand(peer, make([]byte, 12), time.Now().Add(time.Second))
	core.RunOneFrame()
	require.NoError(t, e.PostFrame())

	// The peer reports a CRC for frame 0 that doesn't match what we saved.
	ourCRC := e.ring.slot(0).crc
	require.NoError(t, raproto.SendCRC(peer, 0, ourCRC+1))
	waitForPending(t, e)

	require.NoError(t, e.Update(0))

	assert.True(t, e.IsDesynced())
}

// TestPostFrameStampsStartOfFrameCRC checks slot.crc against an
// independently computed expectation (rather than reading the value back
// out of the same ring it was written to), so an off-by-one in which
// state snapshot gets fingerprinted can't hide behind a self-referential
// assertion.
func TestPostFrameStampsStartOfFrameCRC(t *testing.T) {
	core := &fakeCore{}
	e, peer := newTestEngine(t, core)
	defer peer.Close()

	// Init snapshots the core's state at frame 0 (counter == 0) before
	// any frame has run.
	wantStartOfFrame0 := make([]byte, 4)
	binary.BigEndian.PutUint32(wantStartOfFrame0, 0)
	wantCRC := crc32.ChecksumIEEE(wantStartOfFrame0)

	require.NoError(t, e.Update(0))
	_, _, _ = raproto.RecvCommand(peer, make([]byte, 12), time.Now().Add(time.Second))
	core.RunOneFrame() // mutates the live core to counter == 1; must not affect frame 0's CRC
	require.NoError(t, e.PostFrame())

	assert.Equal(t, wantCRC, e.ring.slot(0).crc, "frame 0's CRC must fingerprint the state frame 0 started with, not the state it produced")
}

func TestLoadSavestateResyncsAndClearsDesync(t *testing.T) {
	core := &fakeCore{}
	e, peer := newTestEngine(t, core)
	defer peer.Close()

	e.desyncDetected.Store(true)

	state := make([]byte, 4)
	binary.BigEndian.PutUint32(state, 77)

	sub := binario.NewWriter(nil).Uint32(5).Uint32(uint32(len(state))).Bytes()
	payload := append(sub, state...)
	require.NoError(t, raproto.SendCommand(peer, raproto.CmdLoadSavestate, payload))

	waitForPending(t, e)
	require.NoError(t, e.Update(0))

	assert.False(t, e.IsDesynced())
	assert.Equal(t, uint32(77), core.counter)
	assert.Equal(t, uint32(5), e.selfFrame)
}

// waitForPending blocks until the engine's connection has data buffered,
// so the test's Update call is guaranteed to observe it rather than racing
// the kernel's delivery of the peer's write.
func waitForPending(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !e.conn.hasPendingData() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for peer data to arrive")
		}
	}
}
