// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/internal/fulfillment/inventory"
	"github.com/innovationmech/fulfillment/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Server is the product service API over the inventory store.
type Server struct {
	Router *mux.Router

	store    inventory.Store
	cache    Cache
	validate *validator.Validate
}

// NewServer registers the product routes. cache may be nil.
func NewServer(store inventory.Store, cache Cache) *Server {
	s := &Server{
		Router:   mux.NewRouter(),
		store:    store,
		cache:    cache,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.Router.HandleFunc("/api/products", s.handleList).Methods(http.MethodGet)
	s.Router.HandleFunc("/api/products", s.handleCreate).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/products/bulk", s.handleBulk).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/products/check-stock", s.handleCheckStock).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/products/{id}", s.handleGet).Methods(http.MethodGet)
	s.Router.HandleFunc("/api/products/{id}", s.handleUpdate).Methods(http.MethodPut)
	s.Router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var out []Product
	if s.cacheGet(ctx, allProductsKey, &out) {
		writeJSON(w, http.StatusOK, out)
		return
	}

	recs, err := s.store.List(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out = make([]Product, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fromRecord(rec))
	}
	s.cacheSet(ctx, allProductsKey, out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var p Product
	if s.cacheGet(ctx, productKey(id), &p) {
		writeJSON(w, http.StatusOK, p)
		return
	}

	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, inventory.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p = fromRecord(rec)
	s.cacheSet(ctx, productKey(id), p)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var p Product
	if !s.decode(w, r, &p) {
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if _, err := s.store.Get(r.Context(), p.ID); err == nil {
		http.Error(w, "product already exists", http.StatusConflict)
		return
	}
	s.save(w, r, p, http.StatusCreated)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var p Product
	if !s.decode(w, r, &p) {
		return
	}
	if _, err := s.store.Get(r.Context(), id); errors.Is(err, inventory.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	} else if err != nil {
		s.fail(w, r, err)
		return
	}
	p.ID = id
	s.save(w, r, p, http.StatusOK)
}

func (s *Server) save(w http.ResponseWriter, r *http.Request, p Product, status int) {
	ctx := r.Context()
	rec, err := s.store.Put(ctx, p.record())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, productKey(p.ID), allProductsKey); err != nil {
			logger.Ctx(ctx).Warn("product cache invalidation failed", zap.String("product_id", p.ID), zap.Error(err))
		}
	}
	writeJSON(w, status, fromRecord(rec))
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if !s.decode(w, r, &ids) {
		return
	}
	out := []Product{}
	if len(ids) > 0 {
		recs, err := s.store.List(r.Context(), ids...)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		for _, rec := range recs {
			out = append(out, fromRecord(rec))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCheckStock(w http.ResponseWriter, r *http.Request) {
	var items []StockCheckRequest
	if !s.decode(w, r, &items) {
		return
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if err := s.validate.Struct(it); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ids = append(ids, it.ProductID)
	}
	byID := map[string]Product{}
	if len(ids) > 0 {
		recs, err := s.store.List(r.Context(), ids...)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		for _, rec := range recs {
			byID[rec.ProductID] = fromRecord(rec)
		}
	}

	out := make([]StockCheckResult, 0, len(items))
	for _, it := range items {
		if p, ok := byID[it.ProductID]; ok {
			out = append(out, checkStock(it, &p))
		} else {
			out = append(out, checkStock(it, nil))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if p, ok := v.(*Product); ok {
		if err := s.validate.Struct(p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return false
		}
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	logger.Ctx(r.Context()).Error("product request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	if errors.Is(err, inventory.ErrNegativeStock) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) cacheGet(ctx context.Context, key string, out any) bool {
	if s.cache == nil {
		return false
	}
	hit, err := s.cache.Get(ctx, key, out)
	if err != nil {
		logger.Ctx(ctx).Warn("product cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return hit
}

func (s *Server) cacheSet(ctx context.Context, key string, v any) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, v); err != nil {
		logger.Ctx(ctx).Warn("product cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
