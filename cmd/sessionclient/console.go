package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netsession/internal/netsession"
	"github.com/cory-johannsen/netsession/internal/server"
)

// console bridges a line-oriented terminal to one session. Every method
// that touches the session runs on the tick goroutine.
type console struct {
	sess   *netsession.Session
	logger *zap.Logger
	in     io.Reader
	out    io.Writer
	onQuit func()

	outMu sync.Mutex
}

func newConsole(sess *netsession.Session, out io.Writer, logger *zap.Logger) *console {
	c := &console{
		sess:   sess,
		logger: logger,
		in:     os.Stdin,
		out:    out,
		onQuit: func() {},
	}
	sess.OnGamerJoined(func(g *netsession.Gamer) { c.printf("%s joined", g.Gamertag()) })
	sess.OnGamerLeft(func(g *netsession.Gamer) { c.printf("%s left", g.Gamertag()) })
	sess.OnGameStarted(func() { c.printf("game started") })
	sess.OnGameEnded(func() { c.printf("game ended") })
	sess.OnHostChanged(func(_, newHost *netsession.Gamer) {
		if newHost != nil {
			c.printf("%s is now hosting", newHost.Gamertag())
		}
	})
	return c
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// tick advances the session and prints data received since the last tick.
func (c *console) tick() {
	c.sess.Update()
	for _, lg := range c.sess.LocalGamers() {
		for {
			p, ok := lg.ReceivePacket()
			if !ok {
				break
			}
			from := "?"
			if p.Sender != nil {
				from = p.Sender.Gamertag()
			}
			c.printf("<%s> %s", from, p.Data)
		}
	}
}

// read forwards input lines to the tick goroutine until ctx is cancelled or
// input ends.
func (c *console) read(ctx context.Context, ticker *server.Ticker) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				c.onQuit()
				return nil
			}
			if !ticker.Post(func() { c.handle(line) }) {
				return nil
			}
		}
	}
}

// handle runs one input line.
func (c *console) handle(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if !strings.HasPrefix(line, "/") {
		c.say(line)
		return
	}

	var err error
	switch cmd := strings.Fields(line)[0]; cmd {
	case "/ready":
		for _, lg := range c.sess.LocalGamers() {
			lg.SetReady(!lg.IsReady())
		}
	case "/start":
		err = c.sess.StartGame()
	case "/end":
		err = c.sess.EndGame()
	case "/close":
		err = c.sess.End()
	case "/lock":
		err = c.sess.SetLocked(true)
	case "/unlock":
		err = c.sess.SetLocked(false)
	case "/who":
		c.who()
	case "/dump":
		c.sess.DumpState()
	case "/quit":
		c.onQuit()
	default:
		c.printf("unknown command %s", cmd)
	}
	if err != nil {
		c.printf("%s", err)
		c.logger.Debug("console command failed", zap.String("line", line), zap.Error(err))
	}
}

func (c *console) say(text string) {
	local := c.sess.LocalGamers()
	if len(local) == 0 {
		return
	}
	if err := local[0].SendData([]byte(text), netsession.SendReliableInOrder); err != nil {
		c.printf("%s", err)
	}
}

func (c *console) who() {
	c.printf("session %s (%s, %s)", c.sess.ID(), c.sess.SessionType(), c.sess.SessionState())
	for _, g := range c.sess.AllGamers() {
		c.printf("  %s [%s]", g.Gamertag(), g.State())
	}
}
