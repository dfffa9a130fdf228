package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/ryansname/dispatchctl/src/api"
	"github.com/ryansname/dispatchctl/src/dispatch"
)

// WatchSpec represents a topic to watch, either its latest value or its
// one-minute median
type WatchSpec struct {
	Topic  string
	Median bool
}

// String returns a unique key for this watch spec
func (w WatchSpec) String() string {
	if !w.Median {
		return w.Topic
	}
	return w.Topic + " -median"
}

// ShortName returns a short column header for this watch
func (w WatchSpec) ShortName() string {
	// e.g. "homeassistant/sensor/solar_power/state" -> "solar_power"
	parts := strings.Split(w.Topic, "/")
	name := w.Topic
	if len(parts) >= 3 {
		name = parts[len(parts)-2]
	}
	if w.Median {
		return name + " med"
	}
	return name
}

// GetValue extracts the value from DisplayData based on the watch spec
func (w WatchSpec) GetValue(data DisplayData) string {
	switch td := data.TopicData[w.Topic].(type) {
	case *StringTopicData:
		return td.Current
	case *BooleanTopicData:
		if td.Current {
			return "on"
		}
		return "off"
	case *FloatTopicData:
		if w.Median {
			return formatDebugValue(td.Median)
		}
		return formatDebugValue(td.Current)
	}
	return "-"
}

// formatDebugValue formats a float with smart precision
func formatDebugValue(v float64) string {
	if v >= 100 || v <= -100 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

// ANSI color codes for highlighting changes
const (
	ansiReset  = "\033[0m"
	ansiYellow = "\033[33m"
)

// readlineWriter wraps log output to work with readline
type readlineWriter struct {
	rl *readline.Instance
}

func (w *readlineWriter) Write(p []byte) (n int, err error) {
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err = os.Stderr.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

var rlWriter = &readlineWriter{}

// DebugState is the console's view of live data and the latest schedule
type DebugState struct {
	watches       []WatchSpec
	headerPrinted bool
	columnWidths  []int
	latestData    *DisplayData
	snapshot      *api.Snapshot
	rl            *readline.Instance
	prevValues    map[string]string
	commands      chan<- api.Command
}

// NewDebugState creates a console state that sends commands to commands
func NewDebugState(commands chan<- api.Command) *DebugState {
	return &DebugState{
		prevValues: make(map[string]string),
		commands:   commands,
	}
}

// AddWatch adds a watch and re-sorts the list
func (s *DebugState) AddWatch(spec WatchSpec) {
	if slices.Contains(s.watches, spec) {
		log.Printf("Already watching: %s", spec)
		return
	}

	s.watches = append(s.watches, spec)
	sort.Slice(s.watches, func(i, j int) bool {
		return s.watches[i].ShortName() < s.watches[j].ShortName()
	})
	s.headerPrinted = false
	log.Printf("Watching: %s", spec)
}

// RemoveWatch removes every watch on topic
func (s *DebugState) RemoveWatch(topic string) bool {
	before := len(s.watches)
	s.watches = slices.DeleteFunc(s.watches, func(w WatchSpec) bool { return w.Topic == topic })
	if len(s.watches) == before {
		log.Printf("No watch found for: %s", topic)
		return false
	}
	s.headerPrinted = false
	log.Printf("Unwatched: %s", topic)
	return true
}

// RemoveAll removes all watches
func (s *DebugState) RemoveAll() {
	s.watches = s.watches[:0]
	s.headerPrinted = false
	log.Println("All watches removed")
}

func (s *DebugState) UpdateData(data DisplayData) {
	s.latestData = &data
}

func (s *DebugState) UpdateSnapshot(snap api.Snapshot) {
	s.snapshot = &snap
}

// print outputs a line, handling readline prompt properly
func (s *DebugState) print(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if s.rl != nil {
		s.rl.Clean()
		fmt.Println(line)
		s.rl.Refresh()
	} else {
		fmt.Println(line)
	}
}

// ListTopics prints all available topics
func (s *DebugState) ListTopics() {
	if s.latestData == nil {
		log.Println("No data received yet")
		return
	}

	topics := make([]string, 0, len(s.latestData.TopicData))
	for topic := range s.latestData.TopicData {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	s.print("Available topics (%d):", len(topics))
	for _, topic := range topics {
		var typeStr string
		switch s.latestData.TopicData[topic].(type) {
		case *FloatTopicData:
			typeStr = "[float]"
		case *StringTopicData:
			typeStr = "[string]"
		case *BooleanTopicData:
			typeStr = "[bool]"
		default:
			typeStr = "[?]"
		}
		s.print("  %s %s", typeStr, topic)
	}
}

// PrintHeader prints the column headers
func (s *DebugState) PrintHeader() {
	if len(s.watches) == 0 {
		return
	}

	s.columnWidths = make([]int, len(s.watches))
	parts := make([]string, 0, len(s.watches))
	for i, w := range s.watches {
		s.columnWidths[i] = len(w.ShortName())
		parts = append(parts, w.ShortName())
	}
	s.print("%s", strings.Join(parts, " | "))
	s.headerPrinted = true
	s.prevValues = make(map[string]string)
}

// PrintRow prints the current values for all watches (only if changed)
func (s *DebugState) PrintRow(data DisplayData) {
	if len(s.watches) == 0 {
		return
	}
	if !s.headerPrinted {
		s.PrintHeader()
	}

	parts := make([]string, 0, len(s.watches))
	anyChanged := false
	newValues := make(map[string]string, len(s.watches))

	for i, w := range s.watches {
		value := w.GetValue(data)
		key := w.String()
		newValues[key] = value

		width := max(s.columnWidths[i], len(value))
		s.columnWidths[i] = width

		prevValue, hasPrev := s.prevValues[key]
		if !hasPrev || prevValue != value {
			anyChanged = true
			parts = append(parts, fmt.Sprintf("%s%*s%s", ansiYellow, width, value, ansiReset))
		} else {
			parts = append(parts, fmt.Sprintf("%*s", width, value))
		}
	}

	if anyChanged {
		s.print("%s", strings.Join(parts, " | "))
		s.prevValues = newValues
	}
}

// PrintSchedule prints one of the schedule views
func (s *DebugState) PrintSchedule(view string) {
	if s.snapshot == nil {
		log.Println("No schedule computed yet")
		return
	}
	snap := s.snapshot
	sched := snap.Schedule

	switch view {
	case "schedule":
		s.print("%s", strings.TrimRight(sched.MarkdownTable(), "\n"))
	case "windows":
		summaries := sched.Summaries()
		if len(summaries) == 0 {
			s.print("No windows")
		}
		for _, w := range summaries {
			s.print("  window %d: %s - %s  price %s..%s", w.Window,
				w.Start.Format("01-02 15:04"), w.End.Format("01-02 15:04"),
				formatDebugValue(w.MinPrice), formatDebugValue(w.MaxPrice))
		}
	case "periods":
		for _, action := range []dispatch.Action{dispatch.ActionCharge, dispatch.ActionDischarge} {
			for _, p := range sched.Periods(action) {
				s.print("  %-9s %s - %s (%dh)", action,
					p.Start.Format("01-02 15:04"), p.Stop.Format("01-02 15:04"), p.Hours)
			}
		}
	case "status":
		s.print("Status: %s", snap.Status)
		s.print("Self usage: %s", snap.SelfUsageMode)
		s.print("Switches: charging=%t discharging=%t self_usage=%t",
			snap.Settings.Charging, snap.Settings.Discharging, snap.Settings.SelfUsage)
		b := snap.Settings.Battery
		s.print("Battery: soc %g-%g%%, rates %g/%g %%/h, min profit %g",
			b.MinSoC, b.MaxSoC, b.ChargeRate, b.DischargeRate, b.MinProfit)
		s.print("Computed at: %s", snap.ComputedAt.Format("2006-01-02 15:04:05"))
	}
}

// parseWatchSpec parses watch command arguments into a WatchSpec
func parseWatchSpec(args []string) (WatchSpec, error) {
	if len(args) == 0 {
		return WatchSpec{}, errors.New("usage: watch <topic> [-median]")
	}
	spec := WatchSpec{Topic: args[0]}
	for _, arg := range args[1:] {
		switch arg {
		case "-median", "-m":
			spec.Median = true
		default:
			return WatchSpec{}, fmt.Errorf("unknown option: %s", arg)
		}
	}
	return spec, nil
}

// parseConsoleCommand turns set/switch/service lines into dispatch commands
func parseConsoleCommand(parts []string) (api.Command, error) {
	switch parts[0] {
	case "set":
		if len(parts) != 3 {
			return api.Command{}, errors.New("usage: set <number> <value>")
		}
		value, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return api.Command{}, fmt.Errorf("invalid value %q", parts[2])
		}
		return api.NumberCommand(parts[1], value)

	case "switch":
		if len(parts) != 3 {
			return api.Command{}, errors.New("usage: switch <name> on|off")
		}
		switch strings.ToLower(parts[2]) {
		case "on":
			return api.SwitchCommand(parts[1], true)
		case "off":
			return api.SwitchCommand(parts[1], false)
		}
		return api.Command{}, fmt.Errorf("invalid state %q, expected on or off", parts[2])

	case "service":
		if len(parts) != 2 {
			return api.Command{}, errors.New("usage: service <name>")
		}
		cmd, ok := api.ServiceCommand(parts[1])
		if !ok {
			return api.Command{}, fmt.Errorf("%w: %s", api.ErrUnknownSetting, parts[1])
		}
		return cmd, nil
	}
	return api.Command{}, fmt.Errorf("unknown command: %s", parts[0])
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  list                     - List all available topics")
	fmt.Println("  watch <topic> [-median]  - Watch current value or one-minute median")
	fmt.Println("  unwatch <topic>          - Remove watches on a topic")
	fmt.Println("  unwatch --all            - Remove all watches")
	fmt.Println("  schedule                 - Print the current schedule")
	fmt.Println("  windows                  - Print the price windows")
	fmt.Println("  periods                  - Print upcoming charge and discharge periods")
	fmt.Println("  status                   - Print status, switches and settings")
	fmt.Println("  set <number> <value>     - Change min_soc, max_soc, charge_rate, discharge_rate or min_profit")
	fmt.Println("  switch <name> on|off     - Set charging, discharging or self_usage")
	fmt.Println("  service <name>           - force_update_schedule, force_charge, force_discharge, self_usage_toggle")
	fmt.Println("  help                     - Show this help")
}

// handleDebugCommand processes a debug command
func handleDebugCommand(ctx context.Context, line string, state *DebugState) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "watch":
		spec, err := parseWatchSpec(parts[1:])
		if err != nil {
			log.Printf("Error: %v", err)
			return
		}
		state.AddWatch(spec)

	case "unwatch":
		if len(parts) < 2 {
			log.Println("Usage: unwatch <topic> | unwatch --all")
			return
		}
		if parts[1] == "--all" {
			state.RemoveAll()
			return
		}
		state.RemoveWatch(parts[1])

	case "list":
		state.ListTopics()

	case "schedule", "windows", "periods", "status":
		state.PrintSchedule(parts[0])

	case "set", "switch", "service":
		cmd, err := parseConsoleCommand(parts)
		if err != nil {
			log.Printf("Error: %v", err)
			return
		}
		select {
		case state.commands <- cmd:
		case <-ctx.Done():
		}

	case "help":
		printHelp()

	default:
		log.Printf("Unknown command: %s (try 'help')", parts[0])
	}
}

// readlineLoop runs the readline loop, sending lines to the channel
func readlineLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	rl *readline.Instance,
	lineChan chan<- string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel() // Ctrl+C shuts the daemon down
			return
		}
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line != "" {
			lineChan <- line
		}
	}
}

// getHistoryFilePath returns the path for the console history file
func getHistoryFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(cacheDir, "dispatchctl")
	_ = os.MkdirAll(dir, 0750)
	return filepath.Join(dir, "debug_history")
}

// debugWorker provides an interactive console over live data and the schedule
func debugWorker(
	ctx context.Context,
	cancel context.CancelFunc,
	dataChan <-chan DisplayData,
	snapshots <-chan api.Snapshot,
	commandChan chan<- api.Command,
) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "> ",
		HistoryFile: getHistoryFilePath(),
	})
	if err != nil {
		log.Printf("Debug worker: readline init failed: %v", err)
		return
	}
	defer func() {
		_ = rl.Close()
		rlWriter.rl = nil
	}()

	rlWriter.rl = rl
	log.SetOutput(rlWriter)

	log.Println("Debug worker started (type 'help' for commands)")

	lineChan := make(chan string, 10)
	state := NewDebugState(commandChan)
	state.rl = rl

	go readlineLoop(ctx, cancel, rl, lineChan)

	for {
		select {
		case line := <-lineChan:
			handleDebugCommand(ctx, line, state)
		case data := <-dataChan:
			state.UpdateData(data)
			state.PrintRow(data)
		case snap := <-snapshots:
			state.UpdateSnapshot(snap)
		case <-ctx.Done():
			log.Println("Debug worker stopped")
			return
		}
	}
}
