// Command sfsclient-demo is a thin reporting CLI that wires up a full
// client core (Connection, Dispatcher, Session Manager, State Store,
// Request API) against a configured zone, logs in, and reports on
// incoming attacks, recalls, and player status as they are observed.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/dbehnke/sfsclient/internal/chatlog"
	"github.com/dbehnke/sfsclient/internal/client/chatenc"
	"github.com/dbehnke/sfsclient/internal/client/conn"
	"github.com/dbehnke/sfsclient/internal/client/dispatch"
	"github.com/dbehnke/sfsclient/internal/client/frame"
	"github.com/dbehnke/sfsclient/internal/client/mapscan"
	"github.com/dbehnke/sfsclient/internal/client/request"
	"github.com/dbehnke/sfsclient/internal/client/session"
	"github.com/dbehnke/sfsclient/internal/client/statestore"
	"github.com/dbehnke/sfsclient/internal/config"
	"github.com/dbehnke/sfsclient/internal/persist"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (default: search standard locations)")
	writeExample := flag.String("write-example-config", "", "Write an example config.yaml to this path and exit")
	flag.Parse()

	if *writeExample != "" {
		if err := config.SaveExample(*writeExample); err != nil {
			log.Fatalf("failed to write example config: %v", err)
		}
		log.Printf("wrote example config to %s", *writeExample)
		return
	}

	cfg := config.Load(*configPath)

	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zapLogger.Sync()
	sugar := zapLogger.Sugar()

	store, err := persist.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open persistence store: %v", err)
	}
	defer store.Close()

	chatDB, err := chatlog.Open(cfg.ChatLogPath)
	if err != nil {
		log.Fatalf("failed to open chat log: %v", err)
	}
	defer chatDB.CloseSafe()
	if err := chatDB.Migrate(); err != nil {
		log.Fatalf("failed to migrate chat log: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		sugar.Infow("received interrupt, shutting down")
		cancel()
	}()

	disp := dispatch.New()
	world := statestore.New(4096)
	world.Subscribe(disp)

	world.OnIncomingAttack = func(m *statestore.Movement) {
		sugar.Warnw("incoming attack",
			"movement_id", m.MovementID,
			"from", m.SourceName,
			"time_remaining", humanize.RelTime(time.Now(), time.Now().Add(time.Duration(m.TimeRemaining())*time.Second), "", "until impact"),
		)
	}
	world.OnMovementRecalled = func(m *statestore.Movement) {
		sugar.Infow("movement recalled", "movement_id", m.MovementID)
	}

	// Subscription handlers run on the reader loop and must not block,
	// so chat lines are posted to a buffered channel and written to the
	// chat log from a separate goroutine. A full channel drops the line
	// rather than stall dispatch.
	type chatLine struct {
		sender     string
		allianceID int
		message    string
	}
	chatLines := make(chan chatLine, 64)
	go func() {
		for line := range chatLines {
			if err := chatDB.Record(ctx, line.sender, line.allianceID, line.message); err != nil {
				sugar.Warnw("failed to record chat message", "err", err)
			}
		}
	}()

	disp.Subscribe("acm", func(pkt frame.Packet) {
		data, ok := pkt.JSON.(map[string]interface{})
		if !ok {
			return
		}
		msg, _ := data["M"].(string)
		sender, _ := data["N"].(string)
		decoded := chatenc.Decode(msg)
		sugar.Infow("alliance chat", "from", sender, "message", decoded)
		aid := 0
		if p := world.Player(); p != nil {
			aid = p.AllianceID
		}
		select {
		case chatLines <- chatLine{sender: sender, allianceID: aid, message: decoded}:
		default:
			sugar.Warnw("chat log queue full, dropping message")
		}
	})

	connection := conn.New(cfg.GameURL, disp.Dispatch, func() {
		disp.SetConnected(false)
		sugar.Warnw("disconnected from game server")
	})

	sugar.Infow("connecting", "url", cfg.GameURL)
	if err := connection.Connect(ctx, cfg.ConnectTimeout); err != nil {
		sugar.Fatalw("failed to connect", "err", err)
	}
	disp.SetConnected(true)

	sm := session.New(connection, disp, cfg.Zone, cfg.ClientVersion, sugar)
	if err := sm.Login(ctx, cfg.Username, cfg.Password, cfg.StepTimeout); err != nil {
		if !sm.LoggedIn() {
			sugar.Fatalw("login failed", "err", err)
		}
		sugar.Warnw("login completed with warnings", "err", err)
	}
	sugar.Infow("logged in", "user", cfg.Username)

	requestAPI := request.New(connection, disp, cfg.Zone)
	requestAPI.RegisterParser("gaa", request.GenericJSONParser)
	if _, err := requestAPI.Send(ctx, request.AllianceChat("sfsclient-demo online")); err != nil {
		sugar.Warnw("failed to send startup chat greeting", "err", err)
	}

	go runInitialMapScan(ctx, sugar, connection, disp, world, store, cfg)

	reportTicker := time.NewTicker(30 * time.Second)
	defer reportTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = connection.Disconnect()
			sugar.Infow("shutdown complete")
			return
		case <-reportTicker.C:
			reportState(sugar, world, store)
		}
	}
}

// runInitialMapScan waits for the player's first gbd to land so a home
// castle (and its kingdom) is known, then runs a single kingdom-wide
// map scan centered on that castle, backed by the real persistence
// store so scanned chunks are recorded and a later run of this binary
// against the same kingdom skips re-requesting them.
func runInitialMapScan(ctx context.Context, sugar *zap.SugaredLogger, connection *conn.Connection, disp *dispatch.Dispatcher, world *statestore.Store, store *persist.Store, cfg config.Config) {
	var castle *statestore.Castle
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
		if player := world.Player(); player != nil {
			for _, c := range player.Castles {
				castle = c
				break
			}
		}
		if castle != nil {
			break
		}
	}

	scanner := mapscan.New(connection, disp, cfg.Zone, castle.KingdomID, 4, store)
	center := mapscan.Chunk{X: castle.X, Y: castle.Y}
	result, err := scanner.Scan(ctx, center, cfg.StepTimeout, cfg.RetryMax)
	if err != nil {
		sugar.Warnw("map scan failed", "err", err)
		return
	}
	sugar.Infow("map scan complete",
		"kingdom", castle.KingdomID,
		"waves", result.Waves,
		"objects_found", result.ObjectsFound,
		"bounded_edges", result.BoundedEdges,
	)
}

func reportState(sugar *zap.SugaredLogger, world *statestore.Store, persistStore *persist.Store) {
	player := world.Player()
	if player == nil {
		sugar.Infow("no player data yet")
		return
	}

	sugar.Infow("player status",
		"name", player.Name,
		"level", player.Level,
		"gold", humanize.Comma(int64(player.Gold)),
		"rubies", humanize.Comma(int64(player.Rubies)),
	)

	incoming := world.IncomingAttacks()
	if len(incoming) > 0 {
		sugar.Warnw("active incoming attacks", "count", len(incoming))
	}

	if next := world.NextArrival(); next != nil {
		sugar.Infow("next arrival", "movement_id", next.MovementID, "seconds_remaining", next.TimeRemaining())
	}

	if err := persistStore.Save(world.MapObjects()); err != nil {
		sugar.Warnw("failed to persist map objects", "err", err)
	}
}
