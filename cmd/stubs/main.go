package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// stubs serves a local price oracle and execution backend so the
// executor can run end to end without touching a chain. Prices follow a
// bounded random walk; submissions always succeed unless -fail-rate is
// set.

type priceState struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (p *priceState) priceFor(id string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.prices[id]
	if !ok {
		v = 100.0
	}
	v *= 1 + (rand.Float64()-0.5)*0.01
	p.prices[id] = v
	return v
}

type submitRequest struct {
	Action string            `json:"action"`
	Params map[string]string `json:"params"`
}

func main() {
	var addr string
	var failRate float64
	flag.StringVar(&addr, "addr", ":8091", "listen address")
	flag.Float64Var(&failRate, "fail-rate", 0, "fraction of submissions that fail")
	flag.Parse()

	state := &priceState{prices: map[string]float64{}}
	var txCounter int
	var txMu sync.Mutex

	mux := http.NewServeMux()

	mux.HandleFunc("/v1/price", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		json.NewEncoder(w).Encode(map[string]any{
			"value":      fmt.Sprintf("%.6f", state.priceFor(id)),
			"confidence": 0.95,
			"timestamp":  time.Now(),
		})
	})

	mux.HandleFunc("/v1/quote", func(w http.ResponseWriter, r *http.Request) {
		amount := r.URL.Query().Get("amount")
		json.NewEncoder(w).Encode(map[string]any{
			"out_amount":   amount,
			"price_impact": "0.002",
		})
	})

	mux.HandleFunc("/v1/submit", func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if rand.Float64() < failRate {
			json.NewEncoder(w).Encode(map[string]string{"error": "simulated backend failure"})
			return
		}

		txMu.Lock()
		txCounter++
		txID := fmt.Sprintf("stub-tx-%06d", txCounter)
		txMu.Unlock()

		log.Printf("submit action=%s pool=%s tx=%s", req.Action, req.Params["pool_id"], txID)
		json.NewEncoder(w).Encode(map[string]string{"tx_id": txID})
	})

	log.Printf("stub oracle+backend listening on %s (fail-rate=%.2f)", addr, failRate)
	log.Fatal(http.ListenAndServe(addr, mux))
}
