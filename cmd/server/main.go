// Command server is a thin HTTP/WebSocket façade over internal/flasher,
// mirroring the role flash_server.py plays for the reference tool: a
// demo surface for driving a connect/backup/upload/program workflow from
// a browser, broadcasting progress and log lines over a websocket. It is
// explicitly peripheral (spec.md §1) and depends only on the core's
// public API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"n54flash/internal/bus"
	"n54flash/internal/capture"
	"n54flash/internal/config"
	"n54flash/internal/datastore"
	"n54flash/internal/flasher"
	"n54flash/internal/frame"
	"n54flash/internal/image"
	"n54flash/internal/isotp"
	"n54flash/internal/kwp"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// logEntry mirrors flash_server.py's {"timestamp", "message", "level"}
// log broadcast shape.
type logEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Level     string    `json:"level"`
}

type progressEvent struct {
	Phase   string `json:"phase"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Percent int    `json:"percent"`
}

// serverState holds the one active connection's worth of flasher state,
// the way flash_server.py's module-level ServerState dataclass does.
type serverState struct {
	mu sync.Mutex

	cfg   *config.Config
	store datastore.Store

	frameBus      interface{ Shutdown() error }
	flsh          *flasher.Flasher
	ecuType       string
	currentOp     string
	logs          []logEntry
	activeSession string
}

var (
	state      = &serverState{}
	clients    = make(map[*websocket.Conn]bool)
	clientsMux sync.Mutex
)

func emitLog(message, level string) {
	entry := logEntry{Timestamp: time.Now(), Message: message, Level: level}
	state.mu.Lock()
	state.logs = append(state.logs, entry)
	state.mu.Unlock()
	broadcast("log", entry)
}

func emitProgress(sessionID, phase string, current, total int) {
	percent := 0
	if total > 0 {
		percent = current * 100 / total
	}
	broadcast("progress", progressEvent{Phase: phase, Current: current, Total: total, Percent: percent})

	state.mu.Lock()
	store := state.store
	state.mu.Unlock()
	if store != nil {
		if err := store.SaveProgress(&datastore.ProgressPoint{
			SessionID: sessionID,
			Phase:     phase,
			Done:      current,
			Total:     total,
			Timestamp: time.Now(),
		}); err != nil {
			log.Printf("server: save progress: %v", err)
		}
	}
}

func broadcast(event string, payload interface{}) {
	clientsMux.Lock()
	defer clientsMux.Unlock()
	msg, err := json.Marshal(map[string]interface{}{"event": event, "data": payload})
	if err != nil {
		log.Printf("server: marshal broadcast: %v", err)
		return
	}
	for c := range clients {
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
}

func wsHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade: %v", err)
		return
	}
	clientsMux.Lock()
	clients[ws] = true
	clientsMux.Unlock()
	defer func() {
		clientsMux.Lock()
		delete(clients, ws)
		clientsMux.Unlock()
		ws.Close()
	}()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	state.mu.Lock()
	connected := state.flsh != nil
	state.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"backend_connected": connected,
	})
}

type connectRequest struct {
	Interface string `json:"interface"`
	Address   string `json:"address"`
	BaudRate  int    `json:"baudRate"`
	EcuType   string `json:"ecu_type"`
	TxID      uint32 `json:"txId"`
	RxID      uint32 `json:"rxId"`
}

func connectHandler(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Interface == "" {
		req.Interface = "mock"
	}
	if req.TxID == 0 {
		req.TxID = 0x6F1
	}
	if req.RxID == 0 {
		req.RxID = 0x6F9
	}
	ecuType := req.EcuType
	if ecuType == "" {
		ecuType = "MSD81"
	}

	emitLog(fmt.Sprintf("Connecting via %s on %s", req.Interface, req.Address), "info")

	fb, err := bus.New(bus.Config{Type: req.Interface, Address: req.Address, BaudRate: req.BaudRate})
	if err != nil {
		emitLog(fmt.Sprintf("Connect failed: %v", err), "error")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	var tfb frame.Bus = fb
	if state.cfg != nil && state.cfg.Capture.Enabled {
		rec := capture.NewRecorder("session", ecuType)
		if err := rec.Start(); err != nil {
			emitLog(fmt.Sprintf("Capture disabled: %v", err), "warn")
		} else {
			tfb = bus.NewCapturing(fb, rec)
			emitLog("Frame capture enabled for this session", "info")
		}
	}

	tp := isotp.New(tfb, req.TxID, req.RxID, time.Second)
	cl := kwp.New(tp)

	state.mu.Lock()
	state.frameBus = tfb
	state.flsh = flasher.New(cl)
	state.ecuType = ecuType
	state.activeSession = fmt.Sprintf("session-%d", rand.Int63())
	state.mu.Unlock()

	emitLog("Connected successfully", "success")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "ecu_type": ecuType})
}

func disconnectHandler(w http.ResponseWriter, r *http.Request) {
	state.mu.Lock()
	if state.frameBus != nil {
		state.frameBus.Shutdown()
	}
	state.frameBus = nil
	state.flsh = nil
	state.mu.Unlock()
	emitLog("Disconnected", "info")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// ensureUnlocked drives a fresh Flasher through EnterSession and
// SecurityUnlock if it hasn't reached Unlocked yet, the prerequisite
// every workflow past identity read shares (spec.md §4.4.4, §4.4.5).
func ensureUnlocked(ctx context.Context, f *flasher.Flasher) error {
	if f.State() == flasher.Disconnected {
		if err := f.EnterSession(ctx); err != nil {
			return err
		}
	}
	if f.State() == flasher.SessionActive {
		if err := f.SecurityUnlock(ctx); err != nil {
			return err
		}
	}
	return nil
}

func ecuInfoHandler(w http.ResponseWriter, r *http.Request) {
	f, ok := currentFlasher()
	if !ok {
		writeError(w, http.StatusBadRequest, "Not connected")
		return
	}
	ctx := r.Context()
	if err := ensureUnlocked(ctx, f); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	info, err := f.ReadECUID(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	saveIdentities(info)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "info": info})
}

type backupRequest struct {
	Filename string `json:"filename"`
}

func backupHandler(w http.ResponseWriter, r *http.Request) {
	f, ok := currentFlasher()
	if !ok {
		writeError(w, http.StatusBadRequest, "Not connected")
		return
	}
	var req backupRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Filename == "" {
		req.Filename = "backup.bin"
	}
	if err := ensureUnlocked(r.Context(), f); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	emitLog(fmt.Sprintf("Starting backup to %s", req.Filename), "info")
	setCurrentOp("backup")

	go func() {
		defer setCurrentOp("")
		session := newSession("backup")
		data, err := f.Backup(context.Background(), 0, func(done, total int) {
			emitProgress(session.ID, "backup", done, total)
		})
		if err != nil {
			emitLog(fmt.Sprintf("Backup failed: %v", err), "error")
			finishSession(session, "failed", err)
			broadcast("operation_complete", map[string]interface{}{"operation": "backup", "success": false})
			return
		}
		if err := os.WriteFile(req.Filename, data, 0644); err != nil {
			emitLog(fmt.Sprintf("Backup write failed: %v", err), "error")
			finishSession(session, "failed", err)
			broadcast("operation_complete", map[string]interface{}{"operation": "backup", "success": false})
			return
		}
		emitLog("Backup complete", "success")
		finishSession(session, "success", nil)
		broadcast("operation_complete", map[string]interface{}{"operation": "backup", "success": true})
	}()

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Backup started"})
}

func uploadHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ecuType := r.FormValue("ecu_type")
	if ecuType == "" {
		ecuType = "MSD81"
	}
	img := image.New(data, ecuType)
	ok, message := image.Validate(img)
	if !ok {
		writeError(w, http.StatusBadRequest, message)
		return
	}

	dest := filepath.Join(os.TempDir(), header.Filename)
	if err := os.WriteFile(dest, data, 0644); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"message":  message,
		"size":     len(img.Data),
		"filename": header.Filename,
	})
}

type programRequest struct {
	Filename string          `json:"filename"`
	EcuType  string          `json:"ecu_type"`
	OldVIN   string          `json:"old_vin"`
	VIN      string          `json:"vin"`
	Profile  datastore.Profile `json:"profile"`
}

func programHandler(w http.ResponseWriter, r *http.Request) {
	f, ok := currentFlasher()
	if !ok {
		writeError(w, http.StatusBadRequest, "Not connected")
		return
	}
	var req programRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	path := filepath.Join(os.TempDir(), req.Filename)
	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Image not found")
		return
	}
	ecuType := req.EcuType
	if ecuType == "" {
		ecuType = "MSD81"
	}
	img := image.New(data, ecuType)

	if req.VIN != "" && req.OldVIN != "" {
		if err := image.PatchVIN(img, req.OldVIN, req.VIN); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		saveVINPatch(req.OldVIN, req.VIN)
	}

	if err := ensureUnlocked(r.Context(), f); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	emitLog("Starting flash operation", "warning")
	setCurrentOp("flash")

	go func() {
		defer setCurrentOp("")
		session := newSession("flash")
		session.VIN = req.VIN
		session.Profile = req.Profile
		err := f.Flash(context.Background(), img.Data, flasher.FlashOptions{
			Profile: flasher.Profile{
				TMAP:    req.Profile.TMAP,
				Ethanol: req.Profile.Ethanol,
				O2:      req.Profile.O2,
				Coils:   req.Profile.Coils,
				Notes:   req.Profile.Notes,
			},
		}, func(done, total int) {
			emitProgress(session.ID, "flash", done, total)
		})
		if err != nil {
			emitLog(fmt.Sprintf("Flash failed: %v", err), "error")
			finishSession(session, "failed", err)
			broadcast("operation_complete", map[string]interface{}{"operation": "flash", "success": false})
			return
		}
		emitLog("Flash completed", "success")
		finishSession(session, "success", nil)
		broadcast("operation_complete", map[string]interface{}{"operation": "flash", "success": true})
	}()

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Flash started"})
}

func currentFlasher() (*flasher.Flasher, bool) {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.flsh, state.flsh != nil
}

func setCurrentOp(op string) {
	state.mu.Lock()
	state.currentOp = op
	state.mu.Unlock()
}

func newSession(operation string) *datastore.FlashSession {
	state.mu.Lock()
	sessionID := state.activeSession
	ecuType := state.ecuType
	store := state.store
	state.mu.Unlock()

	session := &datastore.FlashSession{
		ID:        fmt.Sprintf("%s-%s-%d", sessionID, operation, time.Now().UnixNano()),
		ECUType:   ecuType,
		Operation: operation,
		Status:    "in-progress",
		StartTime: time.Now(),
	}
	if store != nil {
		_ = store.SaveFlashSession(session)
	}
	return session
}

func finishSession(session *datastore.FlashSession, status string, err error) {
	session.Status = status
	session.EndTime = time.Now()
	if err != nil {
		session.Error = err.Error()
	}
	state.mu.Lock()
	store := state.store
	state.mu.Unlock()
	if store != nil {
		_ = store.SaveFlashSession(session)
	}
}

func saveIdentities(info map[string][]byte) {
	state.mu.Lock()
	sessionID := state.activeSession
	store := state.store
	state.mu.Unlock()
	if store != nil && sessionID != "" {
		_ = store.SaveECUIdentity(sessionID, info)
	}
}

func saveVINPatch(oldVIN, newVIN string) {
	state.mu.Lock()
	sessionID := state.activeSession
	store := state.store
	state.mu.Unlock()
	if store != nil {
		_ = store.SaveVINPatch(&datastore.VINPatchRecord{
			SessionID: sessionID,
			OldVIN:    oldVIN,
			NewVIN:    newVIN,
			Timestamp: time.Now(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": message})
}

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	state.cfg = cfg

	if cfg.Datastore.SQLite.Path != "" {
		store, err := datastore.NewStore(&datastore.Config{
			SQLitePath:     cfg.Datastore.SQLite.Path,
			InfluxDBURL:    cfg.Datastore.InfluxDB.URL,
			InfluxDBOrg:    cfg.Datastore.InfluxDB.Org,
			InfluxDBToken:  cfg.Datastore.InfluxDB.Token,
			InfluxDBBucket: cfg.Datastore.InfluxDB.Bucket,
		})
		if err != nil {
			log.Printf("Warning: datastore unavailable: %v", err)
		} else {
			state.store = store
			defer store.Close()
		}
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", wsHandler)
	router.HandleFunc("/api/health", healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/connect", connectHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/disconnect", disconnectHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/ecu/info", ecuInfoHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/flash/backup", backupHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/flash/upload", uploadHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/flash/program", programHandler).Methods(http.MethodPost)
	router.PathPrefix("/").Handler(http.FileServer(http.Dir("static")))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Starting n54flash web server on http://%s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatal(err)
	}
}
