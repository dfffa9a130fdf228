package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ryansname/dispatchctl/src/api"
	"github.com/ryansname/dispatchctl/src/dashboard"
	"github.com/ryansname/dispatchctl/src/store"
)

var cfgFile string

// SafeGo launches a goroutine with panic recovery and retry logic.
// On panic, retries with exponential backoff (max 10 retries).
// Retry count resets if worker ran for 2+ minutes before failing.
// After exhausting retries, cancels context to trigger shutdown.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	go func() {
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			// Returning normally covers both cancellation and unexpected completion
			if panicValue == nil {
				return
			}

			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Printf("Panic in %s (attempt %d/%d): %v\n", name, retries, maxRetries, panicValue)

			if retries >= maxRetries {
				log.Printf("%s failed after %d retries, shutting down\n", name, maxRetries)
				cancel()
				return
			}

			log.Printf("%s will retry in %v\n", name, delay)
			select {
			case <-time.After(delay):
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatchctl",
		Short: "Schedule home battery charging and discharging against hourly spot prices",
		Long: `dispatchctl plans when a home battery should charge and discharge from
Nord Pool hourly prices, and drives Home Assistant over MQTT to follow the plan.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./dispatchctl.yaml)")

	cobra.OnInitialize(loadEnv)

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(dashboardCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadEnv() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v\n", err)
	}
}

func runCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dispatch daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			return run(cfg, debug)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "start the interactive debug console")
	return cmd
}

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Print Home Assistant template sensors and a Lovelace view for the dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			generated, err := dashboard.Generate(dashboard.NewConfig(dashboard.Entities{
				SoC:          dashboard.EntityFromTopic(cfg.Entities.SoC),
				Solar:        dashboard.EntityFromTopic(cfg.Entities.Solar),
				BatteryPower: dashboard.EntityFromTopic(cfg.Entities.BatteryPower),
				Consumption:  dashboard.EntityFromTopic(cfg.Entities.Consumption),
			}))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "# Template sensors (template: - sensor:)")
			fmt.Fprintln(out, generated.Templates)
			fmt.Fprintln(out, "# Lovelace dashboard")
			fmt.Fprint(out, generated.Dashboard)
			return nil
		},
	}
}

func run(cfg Config, debug bool) error {
	log.Println("Starting dispatchctl...")

	if cfg.MQTT.Username == "" || cfg.MQTT.Password == "" {
		return errors.New("MQTT_USERNAME and MQTT_PASSWORD must be set in .env file")
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// Create context for lifecycle management
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create channels for communication between workers
	msgChan := make(chan SensorMessage, 10)
	commandMsgChan := make(chan SensorMessage, 10)
	statsChan := make(chan DisplayData, 10)
	dispatchDataChan := make(chan DisplayData, 10)
	commandChan := make(chan api.Command, 10)
	senderChan := make(chan MQTTMessage, 100)
	mqttOutgoingChan := make(chan MQTTMessage, 100) // Larger buffer for queuing
	gateDataChan := make(chan DisplayData, 10)
	mqttClientChan := make(chan mqtt.Client, 1)     // Buffered to prevent blocking onConnect

	SafeGo(ctx, cancel, "mqtt-sender-worker", func(ctx context.Context) {
		mqttSenderWorker(ctx, mqttOutgoingChan, mqttClientChan)
	})

	gate := newActuationGate(cfg.Entities.Enable)
	SafeGo(ctx, cancel, "actuation-gate", func(ctx context.Context) {
		actuationGateWorker(ctx, gate, senderChan, mqttOutgoingChan, gateDataChan)
	})

	mqttSender := NewMQTTSender(senderChan)

	log.Println("Creating Home Assistant entities...")
	if err := mqttSender.CreateEntities(); err != nil {
		return fmt.Errorf("creating entities: %w", err)
	}

	server := api.NewServer(commandChan)
	publishers := []snapshotPublisher{server}
	downstreamChans := []chan<- DisplayData{dispatchDataChan, gateDataChan}

	var debugDataChan chan DisplayData
	var debugSnapshots snapshotChan
	if debug {
		debugDataChan = make(chan DisplayData, 10)
		debugSnapshots = make(snapshotChan, 10)
		downstreamChans = append(downstreamChans, debugDataChan)
		publishers = append(publishers, debugSnapshots)
	}

	d := newDispatcher(cfg, mqttSender, st, publishers...)
	d.restore(ctx, time.Now())

	SafeGo(ctx, cancel, "stats-worker", func(ctx context.Context) {
		statsWorker(ctx, msgChan, statsChan, cfg.requiredTopics())
	})
	log.Println("Stats worker started")

	SafeGo(ctx, cancel, "broadcast-worker", func(ctx context.Context) {
		broadcastWorker(ctx, "stats", statsChan, downstreamChans)
	})

	SafeGo(ctx, cancel, "command-worker", func(ctx context.Context) {
		commandWorker(ctx, commandMsgChan, commandChan)
	})

	SafeGo(ctx, cancel, "dispatch-worker", func(ctx context.Context) {
		dispatchWorker(ctx, d, dispatchDataChan, commandChan)
	})

	if debug {
		SafeGo(ctx, cancel, "debug-worker", func(ctx context.Context) {
			debugWorker(ctx, cancel, debugDataChan, debugSnapshots, commandChan)
		})
	}

	SafeGo(ctx, cancel, "mqtt-worker", func(ctx context.Context) {
		mqttWorker(ctx, cfg.MQTT, cfg.stateTopics(), commandTopics(), msgChan, commandMsgChan, mqttClientChan)
	})
	log.Println("MQTT worker started")

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTP API listening on %s\n", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server failed: %v\n", err)
			cancel()
		}
	}()

	// Wait for interrupt signal or context cancellation (from panic)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("\nShutting down...")
	case <-ctx.Done():
		log.Println("\nShutting down due to error...")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
