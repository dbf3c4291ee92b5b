package rpc

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainfold/chainfold/pkg/core/blockhistory"
)

// Server exposes read-only views of the follower over HTTP: the canonical
// chain, the hub's health, and Prometheus metrics.
type Server struct {
	store *blockhistory.Store
	hub   *blockhistory.BlockSubscriber
}

func NewServer(store *blockhistory.Store, hub *blockhistory.BlockSubscriber) *Server {
	return &Server{
		store: store,
		hub:   hub,
	}
}

func (s *Server) Start(port string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/block/height", s.handleBlockByHeight)
	mux.HandleFunc("/block/hash", s.handleBlockByHash)
	mux.Handle("/metrics", promhttp.Handler())

	return http.ListenAndServe(port, mux)
}

type blockResponse struct {
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
	Number     uint64 `json:"number"`
	Timestamp  uint64 `json:"timestamp"`
}

// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tip := s.store.Tip()
	height := uint64(0)
	tipHash := common.Hash{}
	if tip != nil {
		height = tip.Number
		tipHash = tip.Hash
	}

	subscribers := 0
	var hubErr string
	if s.hub != nil {
		subscribers = s.hub.SubscriberCount()
		if err := s.hub.Err(); err != nil {
			hubErr = err.Error()
		}
	}

	resp := struct {
		Height      uint64 `json:"height"`
		TipHash     string `json:"tip_hash"`
		Base        uint64 `json:"base"`
		Retained    int    `json:"retained_headers"`
		Subscribers int    `json:"subscribers"`
		Error       string `json:"error,omitempty"`
	}{
		Height:      height,
		TipHash:     tipHash.Hex(),
		Base:        s.store.Base(),
		Retained:    s.store.Len(),
		Subscribers: subscribers,
		Error:       hubErr,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GET /block/height?h=<uint64>
func (s *Server) handleBlockByHeight(w http.ResponseWriter, r *http.Request) {
	hStr := r.URL.Query().Get("h")
	if hStr == "" {
		http.Error(w, "missing height parameter", http.StatusBadRequest)
		return
	}

	height, err := strconv.ParseUint(hStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid height", http.StatusBadRequest)
		return
	}

	block, ok := s.store.GetCanonicalByNumber(height)
	if !ok {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}

	s.writeBlock(w, block.Hash.Hex(), block.ParentHash.Hex(), block.Number, block.Timestamp)
}

// GET /block/hash?id=<hex>
func (s *Server) handleBlockByHash(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("id")
	if idStr == "" {
		http.Error(w, "missing id parameter", http.StatusBadRequest)
		return
	}

	if len(idStr) != 64 && len(idStr) != 66 {
		http.Error(w, "invalid hash format", http.StatusBadRequest)
		return
	}
	hash := common.HexToHash(idStr)

	block, ok := s.store.GetByHash(hash)
	if !ok {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}

	s.writeBlock(w, block.Hash.Hex(), block.ParentHash.Hex(), block.Number, block.Timestamp)
}

func (s *Server) writeBlock(w http.ResponseWriter, hash, parent string, number, timestamp uint64) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(blockResponse{
		Hash:       hash,
		ParentHash: parent,
		Number:     number,
		Timestamp:  timestamp,
	})
}
