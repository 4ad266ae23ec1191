package orchestrator

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/xtls/vlesstun/common/activity"
	"github.com/xtls/vlesstun/vless"
)

// connIdleTimeout/halfCloseTimeout are the activity-timer periods spec
// §4.11 names for a TCP flow: 300 s while both halves are open, 1 s once
// one half has finished (the remaining half is expected to drain quickly
// or not at all).
const (
	connIdleTimeout  = 300 * time.Second
	halfCloseTimeout = 1 * time.Second
)

// halfCloser is satisfied by *gonet.TCPConn (and any other stream that can
// half-close); when the app side doesn't support it, nothing is closed on
// downlink EOF and the app stays open until the relay ends and closes it.
type halfCloser interface {
	CloseWrite() error
}

// RelayTCP forwards bytes between app (one accepted TUN-side TCP flow) and
// remote (the VLESS carrier built for it) until both directions are done,
// supervised by the connection-idle / uplink-only / downlink-only activity
// timer (spec §4.11, §5). Backpressure is whatever blocking Read/Write on
// app and remote already provide — gonet.TCPConn blocks a downlink Write
// once the stack's send buffer fills, and blocks an uplink Read once the
// peer has nothing more queued, which is this project's Go-idiom stand-in
// for the spec's manual recved(n)/sndbuf() bookkeeping.
func RelayTCP(ctx context.Context, app io.ReadWriteCloser, remote *vless.Conn) {
	timer := activity.New(connIdleTimeout, func() {
		app.Close()
		remote.Close()
	})
	defer timer.SetTimeout(0)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			app.Close()
			remote.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	var mu sync.Mutex
	var uplinkDone, downlinkDone bool
	finish := func(uplink bool) {
		mu.Lock()
		if uplink {
			uplinkDone = true
		} else {
			downlinkDone = true
			if hc, ok := app.(halfCloser); ok {
				hc.CloseWrite()
			}
		}
		both := uplinkDone && downlinkDone
		either := uplinkDone || downlinkDone
		mu.Unlock()
		switch {
		case both:
			timer.SetTimeout(0)
		case either:
			timer.SetTimeout(halfCloseTimeout) // the remaining single direction
		}
	}

	uplinkErr := make(chan struct{})
	go func() {
		copyLoop(app, remote, timer)
		finish(true)
		close(uplinkErr)
	}()

	copyLoop(remote, app, timer)
	finish(false)
	<-uplinkErr

	app.Close()
	remote.Close()
}

// copyLoop is a plain io.Copy with a per-chunk activity ping, grounded on
// the teacher's common/buf.Copy pattern without its MultiBuffer pooling,
// since this project relays directly between two streams with no routing
// or sniffing stage to share buffers with.
func copyLoop(dst io.Writer, src io.Reader, timer *activity.Timer) {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			timer.Update()
		}
		if rerr != nil {
			return
		}
	}
}
