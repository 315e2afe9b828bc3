package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"

	"github.com/tqx/labelstudio/backend-go/internal/annotation"
	"github.com/tqx/labelstudio/backend-go/internal/asset"
	"github.com/tqx/labelstudio/backend-go/internal/collab"
	"github.com/tqx/labelstudio/backend-go/internal/config"
	"github.com/tqx/labelstudio/backend-go/internal/db"
	"github.com/tqx/labelstudio/backend-go/internal/engine"
	"github.com/tqx/labelstudio/backend-go/internal/export"
	mw "github.com/tqx/labelstudio/backend-go/internal/middleware"
	"github.com/tqx/labelstudio/backend-go/internal/project"
	"github.com/tqx/labelstudio/backend-go/internal/typeid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		slog.Error("migrate database", "error", err)
		os.Exit(1)
	}

	store := db.NewStore(pool)

	assetHandler := asset.NewHandler(cfg.ImageDir)

	projectService := project.NewService(store, assetHandler)
	projectHandler := project.NewHandler(projectService)

	annotationService := annotation.NewService(store, cfg.DefaultStage)
	annotationHandler := annotation.NewHandler(annotationService)

	exportHandler := export.NewHandler(projectService, annotationService)

	// Image loader for the canvas sessions
	loader := func(ctx context.Context, imageID int64) (*collab.ImageData, error) {
		img, labels, err := projectService.Open(ctx, imageID)
		if err != nil {
			return nil, err
		}
		data := &collab.ImageData{Image: img.EngineImage(), Labels: labels}

		recs, err := annotationService.Load(ctx, imageID)
		if err != nil {
			return nil, err
		}
		data.Annotations, data.AnnotationsErr = annotation.FromRecords(recs)
		return data, nil
	}

	// Annotation saver for the canvas sessions
	saver := func(ctx context.Context, imageID int64, anns []engine.Annotation, labelme *string) ([]int64, error) {
		recs, err := annotationService.SaveAnnotations(ctx, imageID, "", anns, labelme)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, len(recs))
		for i, rec := range recs {
			if rec.ID == nil {
				return nil, fmt.Errorf("saved annotation %d has no id", i)
			}
			ids[i] = *rec.ID
		}
		return ids, nil
	}

	hub := collab.NewHub(loader, saver, cfg.Tolerances())
	go hub.Run()

	r := mux.NewRouter()

	// Global middleware
	r.Use(mw.Recovery)
	r.Use(mw.Logger)
	r.Use(mw.CORS(cfg.Origins()))

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"database unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	r.PathPrefix("/images/").Handler(assetHandler.Serve()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/projects/{projectId}/labels", projectHandler.ListLabels).Methods("GET")
	api.HandleFunc("/projects/{projectId}/images", projectHandler.ListImages).Methods("GET")
	api.HandleFunc("/images/{imageId}", projectHandler.GetImage).Methods("GET")

	api.HandleFunc("/images/{imageId}/annotations", annotationHandler.List).Methods("GET")
	api.HandleFunc("/images/{imageId}/annotations", annotationHandler.Save).Methods("POST", "OPTIONS")
	api.HandleFunc("/images/{imageId}/annotations", annotationHandler.DeleteAll).Methods("DELETE", "OPTIONS")

	api.HandleFunc("/images/{imageId}/labelme", exportHandler.Labelme).Methods("GET")
	api.HandleFunc("/images/{imageId}/lock", func(w http.ResponseWriter, r *http.Request) {
		handleLockStatus(w, r, hub)
	}).Methods("GET")

	// WebSocket endpoint
	originPatterns := originHosts(cfg.Origins())
	r.HandleFunc("/ws/canvas", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocket(w, r, hub, originPatterns)
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down server")

		// Stop hub first so open canvases save their edits
		slog.Info("saving open canvases...")
		hub.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("server starting", "addr", addr, "images", cfg.ImageDir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func handleLockStatus(w http.ResponseWriter, r *http.Request, hub *collab.Hub) {
	imageID, err := strconv.ParseInt(mux.Vars(r)["imageId"], 10, 64)
	if err != nil || imageID <= 0 {
		http.Error(w, "invalid image id", http.StatusBadRequest)
		return
	}

	owner, locked := hub.LockOwner(imageID)
	w.Header().Set("Content-Type", "application/json")
	if !locked {
		fmt.Fprint(w, `{"locked":false}`)
		return
	}
	fmt.Fprintf(w, `{"locked":true,"clientId":%q}`, owner)
}

func handleWebSocket(w http.ResponseWriter, r *http.Request, hub *collab.Hub, originPatterns []string) {
	// A reconnecting browser may keep its client id.
	clientID := r.URL.Query().Get("client")
	if clientID == "" || typeid.Validate(clientID, typeid.PrefixClient) != nil {
		clientID = typeid.NewClientID()
	}
	if hub.Connected(clientID) {
		clientID = typeid.NewClientID()
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns,
	})
	if err != nil {
		slog.Error("websocket accept", "error", err)
		return
	}

	client := collab.NewClient(hub, conn, clientID)
	if err := hub.Register(client); err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	ctx := r.Context()
	go client.WritePump(ctx)
	client.ReadPump(ctx)
}

// originHosts turns CORS origins into the host patterns websocket.Accept
// matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}
