// Package main runs an interactive session client against a relay. Lines
// typed on stdin are sent to every gamer; slash commands drive the session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/netsession/internal/config"
	"github.com/cory-johannsen/netsession/internal/directory"
	"github.com/cory-johannsen/netsession/internal/history"
	"github.com/cory-johannsen/netsession/internal/identity"
	"github.com/cory-johannsen/netsession/internal/netsession"
	"github.com/cory-johannsen/netsession/internal/observability"
	"github.com/cory-johannsen/netsession/internal/server"
	"github.com/cory-johannsen/netsession/internal/storage/postgres"
	"github.com/cory-johannsen/netsession/internal/transport/wsrelay"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	join := flag.String("join", "", "session id to join, or \"any\" to join the first match; empty hosts a new session")
	list := flag.Bool("list", false, "print the rooms in the directory and exit")
	watch := flag.Bool("watch", false, "with -list, reprint the rooms whenever a relay republishes until interrupted")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, "sessionclient")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	if *list {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := listRooms(ctx, cfg.Directory, *watch, os.Stdout, logger); err != nil {
			logger.Fatal("listing rooms", zap.Error(err))
		}
		return
	}

	sessionType, err := netsession.ParseSessionType(cfg.Session.Type)
	if err != nil {
		logger.Fatal("invalid session type", zap.Error(err))
	}

	roster, err := identity.LoadRoster(cfg.Identity.RosterPath)
	if err != nil {
		logger.Fatal("loading roster", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.Client.DialTimeout)
	client, err := wsrelay.Dial(dialCtx, cfg.Client, logger)
	dialCancel()
	if err != nil {
		logger.Fatal("connecting to relay", zap.Error(err))
	}
	defer client.Close()

	nc, err := netsession.NewContext(netsession.Options{
		Transport:     client,
		Identity:      roster,
		Logger:        logger,
		PropertyNames: propertyNames(cfg.Session.PropertyNames),
	})
	if err != nil {
		logger.Fatal("creating session context", zap.Error(err))
	}

	sess, err := open(nc, roster, cfg.Session, sessionType, *join)
	if err != nil {
		logger.Fatal("opening session", zap.Error(err))
	}

	var recorder *history.Recorder
	if cfg.History.Enabled {
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		defer pool.Close()
		recorder = history.NewRecorder(postgres.NewSessionHistoryRepository(pool.DB()), cfg.Session.InboundBuffer, logger)
		recorder.Attach(sess)
	}

	con := newConsole(sess, os.Stdout, logger)
	ticker := server.NewTicker(cfg.Session.UpdateInterval, con.tick, logger)
	sess.OnSessionEnded(func(reason netsession.EndReason) {
		con.printf("session ended: %s", reason)
		cancel()
	})
	con.onQuit = cancel

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("session", ticker)
	lifecycle.Add("console", &server.FuncService{
		StartFn: func() error { return con.read(ctx, ticker) },
		StopFn:  func() {},
	})

	logger.Info("session client initialized",
		zap.String("session", sess.ID()),
		zap.Bool("host", sess.IsHost()),
		zap.Stringer("station", sess.LocalStation()),
		zap.Duration("startup", time.Since(start)),
	)

	runErr := lifecycle.Run(ctx)

	// The tick goroutine has exited; this goroutine owns the session again.
	sess.Dispose()
	if recorder != nil {
		recorder.Close()
		logger.Info("history flushed",
			zap.Uint64("written", recorder.Written()),
			zap.Uint64("dropped", recorder.Dropped()),
		)
	}
	if runErr != nil {
		logger.Error("session client error", zap.Error(runErr))
	}
}

// open hosts a new session, joins one by id, or joins the first search match.
func open(nc *netsession.Context, roster *identity.Roster, cfg config.SessionConfig, t netsession.SessionType, join string) (*netsession.Session, error) {
	switch join {
	case "":
		user, ok := roster.InitialUser()
		if !ok {
			return nil, fmt.Errorf("no signed-in user in roster")
		}
		return nc.Create(t, []*identity.SignedInUser{user}, cfg.MaxGamers, cfg.PrivateSlots, nil)
	case "any":
		found, err := nc.Find(t, 1, nil)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, fmt.Errorf("no joinable %s session found", t)
		}
		return nc.Join(found[0])
	default:
		return nc.JoinInvitedMax(1, join)
	}
}

// listRooms prints every room published to the directory, and with watch
// prints them again after each change notice until ctx ends.
func listRooms(ctx context.Context, cfg config.DirectoryConfig, watch bool, out io.Writer, logger *zap.Logger) error {
	if !cfg.Enabled {
		return errors.New("directory is not enabled")
	}
	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	dir, err := directory.Open(openCtx, cfg, "", logger)
	cancel()
	if err != nil {
		return err
	}
	defer dir.Close()

	if !watch {
		return printRooms(ctx, dir, out)
	}
	notices, err := dir.Watch(ctx)
	if err != nil {
		return err
	}
	if err := printRooms(ctx, dir, out); err != nil {
		return err
	}
	for n := range notices {
		fmt.Fprintf(out, "-- %s republished %d rooms at %s\n", n.Relay, n.Rooms, n.At.Format(time.RFC3339))
		if err := printRooms(ctx, dir, out); err != nil {
			return err
		}
	}
	return nil
}

func printRooms(ctx context.Context, dir *directory.Directory, out io.Writer) error {
	rooms, err := dir.Rooms(ctx)
	if err != nil {
		return err
	}
	for _, r := range rooms {
		fmt.Fprintf(out, "%s\t%s\towner=%s\t%d/%d\n", r.Relay, r.ID, r.Owner, r.NumMembers, r.MaxMembers)
	}
	if len(rooms) == 0 {
		fmt.Fprintln(out, "no rooms")
	}
	return nil
}

func propertyNames(names []string) [netsession.PropertyCount]string {
	var out [netsession.PropertyCount]string
	copy(out[:], names)
	return out
}
