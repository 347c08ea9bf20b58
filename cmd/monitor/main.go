package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
)

// BackendView is one backend row in the fleet view.
type BackendView struct {
	BackendID string `json:"backend_id"`
	Type      string `json:"type"`
	Addr      string `json:"addr"`
	Status    string `json:"status"`
	Health    string `json:"health"`
	Inflight  int64  `json:"inflight"`
}

// Heartbeat mirrors the router's periodic fleet summary.
type Heartbeat struct {
	Timestamp time.Time     `json:"timestamp"`
	Backends  []BackendView `json:"backends"`
	Pending   int64         `json:"pending"`
	Active    int64         `json:"active"`
}

// outcomeEvent mirrors the router's per-request outcome publication.
type outcomeEvent struct {
	ReqID     string  `json:"req_id"`
	BackendID string  `json:"backend_id"`
	Model     string  `json:"model"`
	Status    string  `json:"status"`
	Attempts  int     `json:"attempts"`
	LatencyMs float64 `json:"latency_ms"`
}

// FleetMonitor tracks the router's heartbeats and dispatch outcomes.
type FleetMonitor struct {
	nats *nats.Conn
	mu   sync.RWMutex

	last     *Heartbeat
	lastSeen time.Time

	outcomes map[string]int64 // status -> count
	recent   []outcomeEvent   // ring of the latest outcomes
}

const recentOutcomes = 10

func NewFleetMonitor(natsURL string) (*FleetMonitor, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &FleetMonitor{
		nats:     nc,
		outcomes: make(map[string]int64),
	}, nil
}

func (m *FleetMonitor) Start(ctx context.Context, heartbeatTopic, outcomePrefix string) error {
	_, err := m.nats.Subscribe(heartbeatTopic, func(msg *nats.Msg) {
		var hb Heartbeat
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			log.Printf("Failed to parse heartbeat: %v", err)
			return
		}

		m.mu.Lock()
		m.last = &hb
		m.lastSeen = time.Now()
		m.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}

	_, err = m.nats.Subscribe(outcomePrefix+".>", func(msg *nats.Msg) {
		var ev outcomeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}

		m.mu.Lock()
		m.outcomes[ev.Status]++
		m.recent = append(m.recent, ev)
		if len(m.recent) > recentOutcomes {
			m.recent = m.recent[len(m.recent)-recentOutcomes:]
		}
		m.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to outcomes: %w", err)
	}

	log.Println("Fleet monitor started, listening for heartbeats...")
	return nil
}

// QueryStatus requests a point-in-time fleet snapshot from the router.
func (m *FleetMonitor) QueryStatus(topic string) (*Heartbeat, error) {
	resp, err := m.nats.Request(topic+".query", nil, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("status query failed: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(resp.Data, &hb); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}

	m.mu.Lock()
	m.last = &hb
	m.lastSeen = time.Now()
	m.mu.Unlock()

	return &hb, nil
}

func (m *FleetMonitor) Snapshot() (*Heartbeat, time.Time, map[string]int64, []outcomeEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int64, len(m.outcomes))
	for k, v := range m.outcomes {
		counts[k] = v
	}
	recent := make([]outcomeEvent, len(m.recent))
	copy(recent, m.recent)

	return m.last, m.lastSeen, counts, recent
}

func (m *FleetMonitor) Close() {
	if m.nats != nil {
		m.nats.Close()
	}
}

func main() {
	var (
		natsURL        = flag.String("nats", "nats://127.0.0.1:4222", "NATS server URL")
		heartbeatTopic = flag.String("heartbeat", "routing.heartbeat", "Router heartbeat topic")
		outcomePrefix  = flag.String("outcomes", "routing.outcome", "Dispatch outcome subject prefix")
		onceMode       = flag.Bool("once", false, "Query once and exit")
	)
	flag.Parse()

	monitor, err := NewFleetMonitor(*natsURL)
	if err != nil {
		log.Fatalf("Failed to create fleet monitor: %v", err)
	}
	defer monitor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *onceMode {
		hb, err := monitor.QueryStatus(*heartbeatTopic)
		if err != nil {
			log.Fatalf("Status query failed: %v", err)
		}
		printFleet(hb, time.Now(), nil, nil)
		return
	}

	if err := monitor.Start(ctx, *heartbeatTopic, *outcomePrefix); err != nil {
		log.Fatalf("Failed to start fleet monitor: %v", err)
	}

	// Prime the view so the dashboard is not empty until the first heartbeat.
	go func() {
		if _, err := monitor.QueryStatus(*heartbeatTopic); err != nil {
			log.Printf("Initial status query failed: %v", err)
		}
	}()

	runDashboard(ctx, monitor)
}

func runDashboard(ctx context.Context, monitor *FleetMonitor) {
	fmt.Print("\033[2J\033[H\033[?25l")
	defer fmt.Print("\033[?25h")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			return
		case <-ticker.C:
			fmt.Print("\033[2J\033[H")
			hb, seen, counts, recent := monitor.Snapshot()
			printFleet(hb, seen, counts, recent)
		}
	}
}

func printFleet(hb *Heartbeat, seen time.Time, counts map[string]int64, recent []outcomeEvent) {
	fmt.Printf("Inference Router Monitor - %s\n\n", time.Now().Format("15:04:05"))

	if hb == nil {
		fmt.Println("No heartbeat received yet")
		return
	}

	staleness := ""
	if !seen.IsZero() && time.Since(seen) > time.Minute {
		staleness = fmt.Sprintf(" (stale, last seen %s ago)", time.Since(seen).Truncate(time.Second))
	}
	fmt.Printf("Queue: %d pending, %d active%s\n\n", hb.Pending, hb.Active, staleness)

	fmt.Printf("%-28s %-8s %-22s %-10s %-10s %8s\n",
		"BACKEND", "TYPE", "ADDR", "STATUS", "HEALTH", "INFLIGHT")
	for _, b := range hb.Backends {
		fmt.Printf("%-28s %-8s %-22s %-10s %-10s %8d\n",
			b.BackendID, b.Type, b.Addr, b.Status, b.Health, b.Inflight)
	}
	if len(hb.Backends) == 0 {
		fmt.Println("  (no backends registered)")
	}

	if len(counts) > 0 {
		fmt.Println("\nOutcomes since start:")
		statuses := make([]string, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Printf("  %-22s %d\n", s, counts[s])
		}
	}

	if len(recent) > 0 {
		fmt.Println("\nRecent dispatches:")
		for _, ev := range recent {
			fmt.Printf("  %s  model=%s backend=%s status=%s attempts=%d %.0fms\n",
				ev.ReqID, ev.Model, ev.BackendID, ev.Status, ev.Attempts, ev.LatencyMs)
		}
	}
}
