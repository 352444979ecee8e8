package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb"
	"github.com/parquedb/parquedb/internal/columnar"
	"github.com/parquedb/parquedb/internal/config"
	"github.com/parquedb/parquedb/internal/subscribe"
	"github.com/parquedb/parquedb/internal/types"
	"github.com/parquedb/parquedb/internal/ui"
)

var (
	serveAddr  string
	serveToken string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve subscriptions (SSE and WebSocket) and a document API over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer db.Close(context.Background())

		addr := serveAddr
		if addr == "" {
			addr = config.GetString(config.KeyServerAddr)
		}

		auth := &subscribe.Authorizer{Open: true}
		if serveToken != "" {
			token := serveToken
			auth = &subscribe.Authorizer{
				Resolver: func(got string) subscribe.AuthContext {
					if got == token {
						return subscribe.AuthContext{Token: got, Scopes: []string{subscribe.ScopeAdmin}}
					}
					return subscribe.AuthContext{}
				},
			}
		}

		manager := db.Subscriptions()
		// Heartbeat pump; dispatch happens inline on writes.
		go manager.Run(cmd.Context(), nil)

		mux := http.NewServeMux()
		mux.Handle("GET /v1/subscribe", subscribe.SSEHandler(manager, auth))
		mux.Handle("GET /v1/ws", subscribe.WSHandler(manager, auth, websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		}))
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})
		mux.HandleFunc("GET /v1/stats", func(w http.ResponseWriter, r *http.Request) {
			stats, err := db.Stats(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeOK(w, map[string]any{
				"namespaces":    stats,
				"subscriptions": manager.StatsSnapshot(),
			})
		})
		mux.HandleFunc("POST /v1/{ns}/query", func(w http.ResponseWriter, r *http.Request) {
			handleQuery(db, w, r)
		})
		mux.HandleFunc("POST /v1/{ns}", func(w http.ResponseWriter, r *http.Request) {
			handleWrite(db, w, r)
		})

		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Printf("%s listening on %s\n", ui.RenderPass(ui.IconPass), ui.RenderAccent(addr))

		select {
		case <-cmd.Context().Done():
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	},
}

// writeRequest is one mutation in a POST /v1/{ns} body.
type writeRequest struct {
	Op     string         `json:"op"`
	ID     string         `json:"id,omitempty"`
	Doc    map[string]any `json:"doc,omitempty"`
	Update map[string]any `json:"update,omitempty"`
}

// queryRequest is the POST /v1/{ns}/query body.
type queryRequest struct {
	Filter  map[string]any `json:"filter,omitempty"`
	Sort    []string       `json:"sort,omitempty"`
	Skip    int            `json:"skip,omitempty"`
	Limit   int            `json:"limit,omitempty"`
	Columns []string       `json:"columns,omitempty"`
	Hydrate []string       `json:"hydrate,omitempty"`
	Count   bool           `json:"count,omitempty"`
}

func handleWrite(db *parquedb.DB, w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	var body struct {
		Writes []writeRequest `json:"writes"`
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	writes := make([]parquedb.Write, 0, len(body.Writes))
	for _, wr := range body.Writes {
		op := types.Op(wr.Op)
		if op == "" {
			op = parquedb.OpCreate
		}
		writes = append(writes, parquedb.Write{Op: op, ID: wr.ID, Doc: wr.Doc, Update: wr.Update})
	}
	res, err := db.BulkWrite(r.Context(), ns, writes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, res)
}

func handleQuery(db *parquedb.DB, w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	var req queryRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Count {
		n, err := db.Count(r.Context(), ns, req.Filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, map[string]int64{"count": n})
		return
	}
	var sort []columnar.SortField
	if len(req.Sort) > 0 {
		sort = parseSort(req.Sort)
	}
	docs, err := db.Find(r.Context(), ns, req.Filter, parquedb.FindOptions{
		Sort:    sort,
		Skip:    req.Skip,
		Limit:   req.Limit,
		Columns: req.Columns,
		Hydrate: req.Hydrate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, docs)
}

func writeOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, types.ErrInvariant):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "require this bearer token on subscriptions")
	rootCmd.AddCommand(serveCmd)
}
