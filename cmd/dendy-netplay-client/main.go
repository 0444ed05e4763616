// Command dendy-netplay-client wires raproto and rollback together into a
// minimal RA netplay client: connect, handshake, then drive the rollback
// engine once per tick. It stands in for the frontend that would normally
// own the real emulator core (§1 Scope: the core is a black box here).
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/maxpoletaev/dendy/raproto"
	"github.com/maxpoletaev/dendy/rollback"
)

const ticksPerSecond = 60

type opts struct {
	connect  string
	nick     string
	coreName string
	coreVer  string
}

func parseOpts() *opts {
	o := &opts{}
	flag.StringVar(&o.connect, "connect", "", "host:port of the RA netplay server")
	flag.StringVar(&o.nick, "nick", "dendy", "nickname advertised to the host")
	flag.StringVar(&o.coreName, "core-name", "dendy", "core name advertised during CMD_INFO")
	flag.StringVar(&o.coreVer, "core-version", "1.0", "core version advertised during CMD_INFO")
	flag.Parse()
	return o
}

func main() {
	o := parseOpts()

	if o.connect == "" {
		log.Printf("[ERROR] -connect is required")
		os.Exit(1)
	}

	conn, err := net.DialTimeout("tcp", o.connect, 10*time.Second)
	if err != nil {
		log.Printf("[ERROR] failed to connect: %v", err)
		os.Exit(1)
	}

	log.Printf("[INFO] connected to %s, starting handshake...", o.connect)

	hctx := &raproto.HandshakeContext{
		Conn:     conn,
		Nick:     o.nick,
		CoreName: o.coreName,
		CoreVer:  o.coreVer,
	}

	if err := raproto.ClientHandshake(hctx); err != nil {
		log.Printf("[ERROR] handshake failed: %v", err)
		_ = conn.Close()
		os.Exit(1)
	}

	log.Printf("[INFO] handshake ok: client #%d, host %q, start frame %d",
		hctx.ClientNum, hctx.ServerNick, hctx.StartFrame)

	core := newDemoCore()

	engine, err := rollback.Init(conn, core, hctx.StartFrame, hctx.ClientNum)
	if err != nil {
		log.Printf("[ERROR] failed to start rollback engine: %v", err)
		_ = conn.Close()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runLoop(ctx, engine, core)

	log.Printf("[INFO] shutting down...")
	if err := engine.Quit(); err != nil {
		log.Printf("[ERROR] failed to disconnect cleanly: %v", err)
	}
}

func runLoop(ctx context.Context, engine *rollback.Engine, core rollback.Core) {
	ticker := time.NewTicker(time.Second / ticksPerSecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !engine.IsConnected() {
			log.Printf("[INFO] connection lost: %s", engine.GetStatusMessage())
			return
		}

		// A real frontend samples its input device here; this demo core
		// never presses a button.
		const localInput uint16 = 0

		if err := engine.Update(localInput); err != nil {
			log.Printf("[ERROR] update failed: %v", err)
			return
		}

		core.RunOneFrame()

		if err := engine.PostFrame(); err != nil {
			log.Printf("[ERROR] post-frame failed: %v", err)
			return
		}

		if engine.IsDesynced() {
			log.Printf("[ERROR] desync detected: %s", engine.GetStatusMessage())
		}
	}
}

// demoCore is a placeholder rollback.Core: its "simulation" is a single
// monotonically increasing counter. It exists purely to exercise Init,
// Update, PostFrame, and the rollback/replay path end-to-end; a real
// frontend would pass its actual emulator core here instead.
type demoCore struct {
	frame uint32
}

func newDemoCore() *demoCore { return &demoCore{} }

func (c *demoCore) SerializeSize() int { return 4 }

func (c *demoCore) Serialize(buf []byte) error {
	binary.BigEndian.PutUint32(buf, c.frame)
	return nil
}

func (c *demoCore) Unserialize(buf []byte) error {
	c.frame = binary.BigEndian.Uint32(buf)
	return nil
}

func (c *demoCore) RunOneFrame() {
	c.frame++
}
