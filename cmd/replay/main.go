package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/cmorris/tradeforge/internal/ledger"
)

// replay reads an audit trail and prints either the raw event stream for
// one signal or a summary of the session. The trail, not process memory,
// is the source of truth after a crash; this is the operator's window
// into it.
func main() {
	var path string
	var signalID string
	var eventType string
	flag.StringVar(&path, "audit", "data/audit.jsonl", "audit trail path")
	flag.StringVar(&signalID, "signal", "", "print all events for one signal id")
	flag.StringVar(&eventType, "event", "", "print all events of one type")
	flag.Parse()

	events, err := ledger.ReadEvents(path)
	if err != nil {
		log.Fatalf("read audit trail: %v", err)
	}

	if signalID != "" || eventType != "" {
		printFiltered(events, signalID, eventType)
		return
	}
	printSummary(events)
}

func printFiltered(events []ledger.AuditEvent, signalID, eventType string) {
	enc := json.NewEncoder(os.Stdout)
	for _, e := range events {
		if eventType != "" && e.Event != eventType {
			continue
		}
		if signalID != "" {
			id, _ := e.Payload["signal_id"].(string)
			if id != signalID {
				continue
			}
		}
		enc.Encode(e)
	}
}

func printSummary(events []ledger.AuditEvent) {
	counts := map[string]int{}
	var opened, closed, reconciliations int
	for _, e := range events {
		counts[e.Event]++
		switch e.Event {
		case "position_opened":
			opened++
		case "position_closed":
			closed++
		case "reconciliation_required":
			reconciliations++
		}
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("events: %d\n", len(events))
	for _, name := range names {
		fmt.Printf("  %-28s %d\n", name, counts[name])
	}
	fmt.Printf("positions opened: %d, closed: %d\n", opened, closed)
	if reconciliations > 0 {
		fmt.Printf("ATTENTION: %d reconciliation_required event(s) need operator review\n", reconciliations)
	}
	if len(events) > 0 {
		fmt.Printf("first: %s  last: %s\n", events[0].Timestamp, events[len(events)-1].Timestamp)
	}
}
