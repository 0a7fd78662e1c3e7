// Command echosim runs two protocol endpoints against each other on a
// simulated clock: a client streams a payload through a lossy link to an
// echo server and reads it back. Everything is deterministic for a given
// seed, so a run can be replayed exactly.
package main

import (
	"bytes"
	"errors"
	"flag"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/halcyon-net/ptcp/config"
	"github.com/halcyon-net/ptcp/lib"
)

// lossyLink forwards segments over the simulated clock in wire format,
// dropping a configurable fraction of them.
type lossyLink struct {
	name     string
	clock    *lib.SimClock
	delay    time.Duration
	lossRate float64
	rng      *rand.Rand
	deliver  func(*lib.Segment)

	sent, dropped int
}

func (l *lossyLink) Transmit(seg *lib.Segment) {
	l.sent++
	if l.rng.Float64() < l.lossRate {
		l.dropped++
		logrus.WithFields(logrus.Fields{"link": l.name, "seq": seg.Seq}).Debug("segment lost")
		return
	}
	data, err := seg.Marshal()
	if err != nil {
		logrus.WithError(err).Error("marshalling segment")
		return
	}
	l.clock.Schedule(l.delay, func() {
		dup, err := lib.UnmarshalSegment(data, nil, nil)
		if err != nil {
			logrus.WithError(err).Error("unmarshalling segment")
			return
		}
		l.deliver(dup)
	})
}

func main() {
	configPath := flag.String("config", "", "yaml config file")
	seed := flag.Int64("seed", 1, "rng seed for the loss pattern")
	lossRate := flag.Float64("loss", 0.05, "per segment loss probability")
	payloadKB := flag.Int("kb", 64, "payload size in KiB")
	debug := flag.Bool("debug", false, "verbose engine logging")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.ReadConfig(*configPath); err != nil {
			logrus.WithError(err).Fatal("loading config")
		}
	}
	config.AppConfig = cfg
	if *debug || cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	lib.InitPool(cfg.PayloadPoolSize, cfg.PreferredMSS+128)

	clk := lib.NewSimClock()
	rng := rand.New(rand.NewSource(*seed))
	c2s := &lossyLink{name: "c2s", clock: clk, delay: 20 * time.Millisecond, lossRate: *lossRate, rng: rng}
	s2c := &lossyLink{name: "s2c", clock: clk, delay: 20 * time.Millisecond, lossRate: *lossRate, rng: rng}

	clientCfg, err := lib.NewConnectionConfig(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("building client config")
	}
	serverCfg, err := lib.NewConnectionConfig(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("building server config")
	}

	payload := make([]byte, *payloadKB*1024)
	rng.Read(payload)
	var echoed bytes.Buffer
	var client *lib.Connection
	var serverSide *lib.Connection
	sendCursor := 0

	// the client pushes the payload as the send buffer drains and
	// collects the echo; backpressure is retried on a short tick
	var pump func()
	pump = func() {
		for sendCursor < len(payload) {
			n, err := client.Send(payload[sendCursor:])
			if err != nil {
				if errors.Is(err, lib.ErrSendBufferFull) && client.State() == lib.StateEstablished {
					clk.Schedule(10*time.Millisecond, pump)
				}
				return
			}
			sendCursor += n
		}
	}

	clientCallbacks := lib.AppCallbacks{
		OnConnected: func() {
			logrus.Info("client connected")
			pump()
		},
		OnReadable: func(int) {
			buf := make([]byte, 64*1024)
			n, _ := client.Receive(buf)
			echoed.Write(buf[:n])
			pump()
		},
		OnError: func(err error) { logrus.WithError(err).Error("client error") },
	}

	// the server echoes everything it reads back to the client; bytes
	// that hit send backpressure wait in pending and are retried on a
	// short tick
	var pending []byte
	var flushEcho func()
	flushEcho = func() {
		for len(pending) > 0 {
			sent, err := serverSide.Send(pending)
			if err != nil {
				break
			}
			pending = pending[sent:]
		}
		if len(pending) > 0 {
			clk.Schedule(10*time.Millisecond, flushEcho)
		}
	}
	serverCallbacks := lib.AppCallbacks{
		OnAccepted: func(conn *lib.Connection) {
			logrus.WithField("conn", conn.Key()).Info("server accepted")
			serverSide = conn
		},
		OnReadable: func(int) {
			if serverSide == nil {
				return
			}
			buf := make([]byte, 64*1024)
			n, _ := serverSide.Receive(buf)
			pending = append(pending, buf[:n]...)
			flushEcho()
		},
		OnError: func(err error) { logrus.WithError(err).Error("server error") },
	}

	client, err = lib.NewConnection(&lib.ConnectionParams{
		Key: "client", LocalPort: 1000, RemotePort: 2000,
		Clock: clk, Sender: c2s, Callbacks: clientCallbacks,
	}, clientCfg)
	if err != nil {
		logrus.WithError(err).Fatal("building client")
	}
	listener, err := lib.NewConnection(&lib.ConnectionParams{
		Key: "listener", LocalPort: 2000,
		Clock: clk, Sender: s2c, Callbacks: serverCallbacks,
	}, serverCfg)
	if err != nil {
		logrus.WithError(err).Fatal("building listener")
	}

	c2s.deliver = func(seg *lib.Segment) { listener.Deliver(seg) }
	s2c.deliver = func(seg *lib.Segment) { client.Deliver(seg) }

	if err := listener.Listen(); err != nil {
		logrus.WithError(err).Fatal("listen")
	}
	if err := client.Connect(); err != nil {
		logrus.WithError(err).Fatal("connect")
	}

	// run the simulation until the echo completes or simulated time
	// runs out
	deadline := clk.Now().Add(10 * time.Minute)
	for echoed.Len() < len(payload) && clk.Now().Before(deadline) {
		if !clk.Step() {
			break
		}
	}

	ok := bytes.Equal(echoed.Bytes(), payload)
	logrus.WithFields(logrus.Fields{
		"payloadBytes": len(payload),
		"echoedBytes":  echoed.Len(),
		"intact":       ok,
		"simTime":      clk.Now().Sub(time.Unix(0, 0)).String(),
		"c2sSent":      c2s.sent,
		"c2sDropped":   c2s.dropped,
		"s2cSent":      s2c.sent,
		"s2cDropped":   s2c.dropped,
	}).Info("simulation finished")
	if !ok {
		logrus.Fatal("echo mismatch")
	}
}
