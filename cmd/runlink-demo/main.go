// Command runlink-demo exercises the full reconciliation path against a real
// Redis: a scripted backend publishes a run feed over Pulse streams and
// announces the run id in the pre-connect registry, while the engine submits
// a prompt, attaches to the feed, and prints the projected transcript as the
// run progresses.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	"goa.design/runlink/api"
	apimem "goa.design/runlink/api/inmem"
	"goa.design/runlink/engine"
	hintrmap "goa.design/runlink/features/hint/rmap"
	intentredis "goa.design/runlink/features/intent/redis"
	streampulse "goa.design/runlink/features/stream/pulse"
	clientspulse "goa.design/runlink/features/stream/pulse/clients/pulse"
	"goa.design/runlink/session"
	"goa.design/runlink/stream"
	"goa.design/runlink/telemetry"
	"goa.design/runlink/thread"
)

// config is the demo's YAML configuration.
type config struct {
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	SinkPrefix string `yaml:"sink_prefix"`
	HintMap    string `yaml:"hint_map"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	cfg.Redis.Addr = "localhost:6379"
	cfg.SinkPrefix = "runlink-demo"
	cfg.HintMap = "runlink-demo:hints"
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration")
		promptF = flag.String("prompt", "write a haiku about reconciliation", "Prompt to submit")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if err := run(ctx, *configF, *promptF); err != nil {
		log.Errorf(ctx, err, "demo failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, prompt string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis at %s: %w", cfg.Redis.Addr, err)
	}

	pulseClient, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: 1000})
	if err != nil {
		return err
	}
	subscriber, err := streampulse.NewSubscriber(streampulse.SubscriberOptions{
		Client:     pulseClient,
		SinkPrefix: cfg.SinkPrefix,
	})
	if err != nil {
		return err
	}
	publisher, err := streampulse.NewPublisher(streampulse.PublisherOptions{Client: pulseClient})
	if err != nil {
		return err
	}
	registry, err := hintrmap.Join(ctx, hintrmap.Options{Redis: rdb, MapName: cfg.HintMap})
	if err != nil {
		return err
	}
	defer registry.Close()
	ledger, err := intentredis.New(intentredis.Options{Redis: rdb})
	if err != nil {
		return err
	}

	// The scripted backend: creates threads in memory, announces each run in
	// the registry, and feeds the run stream the way the server side would.
	backend := apimem.New()
	backend.OnStartRun = func(input api.StartRunInput, out api.StartRunOutput) {
		if err := registry.Announce(ctx, out.ThreadID, out.RunID); err != nil {
			log.Errorf(ctx, err, "hint announce failed")
		}
		go scriptRun(ctx, publisher, backend, input, out)
	}

	done := make(chan stream.RunState, 1)
	eng, err := engine.New(engine.Options{
		Client:     backend,
		Subscriber: subscriber,
		Ledger:     ledger,
		Registry:   registry,
		Logger:     logger,
		Metrics:    metrics,
		Hooks: engine.Hooks{
			OnStatus: func(s session.Status) {
				log.Print(ctx, log.KV{K: "status", V: string(s)})
			},
			OnTerminal: func(state stream.RunState) {
				select {
				case done <- state:
				default:
				}
			},
			OnNotify: func(msg string) {
				log.Print(ctx, log.KV{K: "notice", V: msg})
			},
		},
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	out, err := eng.Submit(ctx, engine.SubmitInput{Prompt: prompt})
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "run_id", V: out.RunID}, log.KV{K: "thread_id", V: out.ThreadID})

	select {
	case state := <-done:
		log.Print(ctx, log.KV{K: "terminal", V: string(state)})
	case <-time.After(30 * time.Second):
		return fmt.Errorf("run %s did not finish in time", out.RunID)
	}

	fmt.Println("--- transcript ---")
	for _, m := range eng.Messages() {
		fmt.Printf("[%s] %s\n", m.Role, m.Content)
	}
	if err := registry.Withdraw(ctx, out.ThreadID); err != nil {
		log.Errorf(ctx, err, "hint withdraw failed")
	}
	return publisher.Destroy(ctx, out.RunID)
}

// scriptRun plays the server's side of the feed: status transitions, a few
// content chunks, the final assistant message, then completion.
func scriptRun(ctx context.Context, publisher *streampulse.Publisher, backend *apimem.Client, input api.StartRunInput, out api.StartRunOutput) {
	base := func(t stream.EventType) stream.Base {
		return stream.Base{T: t, R: out.RunID, TH: out.ThreadID}
	}
	publish := func(evt stream.Event) {
		if err := publisher.Publish(ctx, evt); err != nil {
			log.Errorf(ctx, err, "publish failed")
		}
	}

	publish(stream.StatusEvent{Base: base(stream.EventStatus), State: stream.StateConnecting})
	time.Sleep(200 * time.Millisecond)
	publish(stream.StatusEvent{Base: base(stream.EventStatus), State: stream.StateStreaming})

	reply := "runs drift apart / the ledger remembers all / streams converge to one"
	for i := 0; i < len(reply); i += 16 {
		end := i + 16
		if end > len(reply) {
			end = len(reply)
		}
		publish(stream.ContentEvent{
			Base:      base(stream.EventContent),
			MessageID: "msg-" + out.RunID,
			Text:      reply[i:end],
		})
		time.Sleep(100 * time.Millisecond)
	}

	now := time.Now().UTC()
	publish(stream.MessageEvent{
		Base: base(stream.EventMessage),
		Message: thread.Message{
			ID:        "msg-" + out.RunID,
			ThreadID:  out.ThreadID,
			Role:      thread.RoleAssistant,
			Content:   reply,
			CreatedAt: now,
			UpdatedAt: now,
		},
	})
	backend.FinishRun(out.RunID)
	publish(stream.StatusEvent{Base: base(stream.EventStatus), State: stream.StateCompleted})
}
