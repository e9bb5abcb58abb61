package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"CharChat/internal/chat"
	"CharChat/internal/config"
	"CharChat/internal/gateway"
	"CharChat/internal/health"
	"CharChat/internal/session"
	"CharChat/internal/store"
	"CharChat/internal/telemetry"

	"github.com/redis/go-redis/v9"
)

// consoleNotifier prints engine notifications the way the UI shows toasts.
type consoleNotifier struct{}

func (consoleNotifier) Success(msg string) { fmt.Printf("✓ %s\n", msg) }
func (consoleNotifier) Info(msg string)    { fmt.Printf("· %s\n", msg) }
func (consoleNotifier) Error(msg string)   { fmt.Printf("✗ %s\n", msg) }

func main() {
	cfg := config.FromEnv()

	flag.StringVar(&cfg.CharacterID, "character", chat.DirectChatID, "Conversation key (character id, or direct chat by default)")
	flag.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "Persistence driver (sqlite|memory|redis)")
	flag.StringVar(&cfg.StorePath, "db", cfg.StorePath, "SQLite database path")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", "localhost:6379", "Redis address for the redis driver")
	noStream := flag.Bool("no-stream", false, "Disable streaming for this session")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if err := run(cfg, *noStream); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, noStream bool) error {
	logger, err := telemetry.InitLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _, cleanup, err := telemetry.InitTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	kv, err := openKV(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	st := store.New(kv, logger)
	defer st.Close()

	client := gateway.NewClient(cfg.BaseURL, logger)

	monitor := health.NewMonitor(client, health.DefaultInterval, logger)
	monitor.Start(ctx)

	engine := session.NewEngine(cfg.CharacterID, st, client, session.Options{
		Notifier: consoleNotifier{},
		Logger:   logger,
		OnToken:  func(token string) { fmt.Print(token) },
	})
	engine.Load(ctx)

	// First interrupt stops an in-flight generation; a second one exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		engine.Stop()
		<-sigCh
		os.Exit(130)
	}()

	return repl(ctx, cfg, engine, st, client, monitor, noStream)
}

func openKV(cfg config.Config) (store.KV, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return store.OpenKV(store.DriverMemory)
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return store.OpenKV(store.DriverRedis, store.WithRedisClient(client))
	default:
		return store.OpenKV(store.DriverSQLite, store.WithSQLitePath(cfg.StorePath))
	}
}

func repl(ctx context.Context, cfg config.Config, engine *session.Engine, st *store.Store, client *gateway.Client, monitor *health.Monitor, noStream bool) error {
	name := cfg.CharacterID
	if c, ok := chat.CharacterByID(st.Characters(ctx), cfg.CharacterID); ok {
		name = c.Name
	}

	fmt.Println("=== CharChat ===")
	fmt.Printf("Talking to: %s\n", name)
	fmt.Println("Type /help for commands, /quit to exit")
	fmt.Println()

	for _, msg := range engine.Messages() {
		printMessage(name, msg)
	}

	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := handleCommand(ctx, input, engine, st, client, monitor)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
			}
			if quit {
				break
			}
			continue
		}

		fmt.Printf("%s: ", name)
		streamed := st.Settings(ctx).StreamingEnabled && !noStream
		if err := engine.Send(ctx, input, &session.SendOptions{NoStreaming: noStream}); err != nil {
			// Already surfaced through the notifier.
			fmt.Println()
			continue
		}
		if !streamed {
			// Streamed tokens were already printed by the OnToken hook.
			if msgs := engine.Messages(); len(msgs) > 0 {
				if last := msgs[len(msgs)-1]; last.Role == chat.RoleAssistant {
					fmt.Print(last.Content)
				}
			}
		}
		fmt.Println()
		fmt.Println()
	}

	fmt.Println("Goodbye!")
	return nil
}

func handleCommand(ctx context.Context, cmd string, engine *session.Engine, st *store.Store, client *gateway.Client, monitor *health.Monitor) (bool, error) {
	parts := strings.Fields(cmd)

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/clear":
		return false, engine.Clear(ctx)

	case "/regenerate":
		fmt.Print("Regenerating: ")
		err := engine.Regenerate(ctx, nil)
		fmt.Println()
		return false, err

	case "/models":
		models, err := client.ListModels(ctx)
		if err != nil {
			return false, err
		}
		settings := st.Settings(ctx)
		fmt.Println("\nAvailable models:")
		for i, model := range models {
			current := ""
			if model == settings.Model {
				current = " (current)"
			}
			fmt.Printf("%d. %s%s\n", i+1, model, current)
		}
		fmt.Println()
		return false, nil

	case "/model":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /model <name>")
		}
		return false, st.UpdateSettings(ctx, func(s *chat.Settings) { s.Model = parts[1] })

	case "/streaming":
		if len(parts) < 2 || (parts[1] != "on" && parts[1] != "off") {
			return false, fmt.Errorf("usage: /streaming on|off")
		}
		return false, st.UpdateSettings(ctx, func(s *chat.Settings) { s.StreamingEnabled = parts[1] == "on" })

	case "/health":
		status := monitor.Refresh(ctx)
		if status.Healthy {
			fmt.Printf("Backend healthy (%s), models: %s\n", status.OllamaStatus, strings.Join(status.AvailableModels, ", "))
		} else {
			fmt.Printf("Backend unavailable: %s\n", status.Message)
		}
		return false, nil

	case "/characters":
		fmt.Println("\nCharacters:")
		for i, c := range st.Characters(ctx) {
			fmt.Printf("%d. %s %s - %s (%s)\n", i+1, c.Emoji, c.Name, c.Tagline, c.ID)
		}
		fmt.Println()
		return false, nil

	case "/context":
		c := engine.Context(ctx)
		fmt.Printf("\nSystem prompt: %s\nMemory: %s\n\n", c.SystemPrompt, c.Memory)
		return false, nil

	case "/memory":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /memory <text>")
		}
		c := engine.Context(ctx)
		return false, engine.SaveContext(ctx, c.SystemPrompt, strings.TrimSpace(strings.TrimPrefix(cmd, "/memory")))

	case "/settings":
		s := st.Settings(ctx)
		fmt.Printf("\nModel: %s\nTemperature: %.2f\nMax tokens: %d\nStreaming: %v\n\n",
			s.Model, s.Temperature, s.MaxTokens, s.StreamingEnabled)
		return false, nil

	case "/help":
		fmt.Println("Available commands:")
		fmt.Println("  /quit, /exit       - Exit")
		fmt.Println("  /clear             - Clear this conversation")
		fmt.Println("  /regenerate        - Regenerate the last reply")
		fmt.Println("  /models            - List backend models")
		fmt.Println("  /model <name>      - Set the generation model")
		fmt.Println("  /streaming on|off  - Toggle streamed replies")
		fmt.Println("  /health            - Check backend health")
		fmt.Println("  /characters        - List the character catalog")
		fmt.Println("  /context           - Show this conversation's context")
		fmt.Println("  /memory <text>     - Save persistent memory for this conversation")
		fmt.Println("  /settings          - Show generation settings")
		fmt.Println("  /help              - Show this help message")
		return false, nil

	default:
		return false, nil
	}
}

func printMessage(name string, msg chat.Message) {
	speaker := "You"
	if msg.Role == chat.RoleAssistant {
		speaker = name
	}
	fmt.Printf("%s: %s\n\n", speaker, msg.Content)
}
