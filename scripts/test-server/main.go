// Local target server for trying out stoke specs: a minimal login, cart,
// checkout API with bearer-token auth, matching the multi-step examples.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var requestCount atomic.Int64

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	latency := flag.Duration("latency", 5*time.Millisecond, "simulated per-request latency")
	errorRate := flag.Float64("error-rate", 0, "fraction of requests answered with 500")
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "healthy")
	})

	mux.HandleFunc("/login", withLoad(*latency, *errorRate, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]interface{}{
			"auth": map[string]string{
				"token": fmt.Sprintf("tok-%08x", rand.Int63()),
			},
		})
	}))

	mux.HandleFunc("/cart", withLoad(*latency, *errorRate, func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]string{"error": "missing bearer token"})
			return
		}
		writeJSON(w, map[string]interface{}{
			"items": []map[string]interface{}{
				{"sku": "WIDGET-1", "qty": 2},
				{"sku": "GADGET-9", "qty": 1},
			},
			"total": 6499,
		})
	}))

	mux.HandleFunc("/checkout", withLoad(*latency, *errorRate, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]string{"error": "missing bearer token"})
			return
		}
		writeJSON(w, map[string]interface{}{
			"orderId": fmt.Sprintf("ord-%06d", requestCount.Load()),
			"status":  "confirmed",
		})
	}))

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}

	log.Printf("workflow target server listening on %s (latency %s, error rate %.0f%%)",
		*addr, *latency, *errorRate*100)
	if err := server.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}

func withLoad(latency time.Duration, errorRate float64, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		if latency > 0 {
			time.Sleep(latency)
		}
		if errorRate > 0 && rand.Float64() < errorRate {
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, map[string]string{"error": "injected failure"})
			return
		}
		next(w, r)
	}
}

func authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer tok-")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
