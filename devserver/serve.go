// Package devserver is a local stand-in for the transcription backend.
// It speaks the same HTTP and websocket surface the client expects, so
// the whole pipeline can be exercised without the real service.
package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"earshot/snd"
)

// transcriptEvery is how many audio frames a streaming session
// accumulates before it emits a synthetic transcript.
const transcriptEvery = 8

var supportedUploads = map[string]bool{
	".mp4": true,
	".mov": true,
	".avi": true,
}

// Recognizer turns a batch of audio into text. The default
// implementation fabricates a line describing what it heard, which is
// enough to drive the client end to end.
type Recognizer func(language string, samples int) string

type Server struct {
	logger    *log.Logger
	recognize Recognizer
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	debug []string
}

func New(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		logger:    logger,
		recognize: synthesize,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func synthesize(language string, samples int) string {
	return fmt.Sprintf("[%s] heard %.1fs of audio", language,
		float64(samples)/float64(snd.SampleRate))
}

func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Post("/extract-audio", s.handleExtract)
	r.Post("/debug/clear", s.handleDebugClear)
	r.Get("/ws/{language}", s.handleStream)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Video Audio Text Extractor API",
	})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "No file uploaded.")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !supportedUploads[ext] {
		writeDetail(w, http.StatusBadRequest,
			"Unsupported file format. Please upload MP4, MOV, or AVI files.")
		return
	}

	language := r.FormValue("language")
	if language == "" {
		language = "de-DE"
	}

	s.logger.Info("extract", "file", header.Filename, "language", language)
	s.remember(fmt.Sprintf("extract %s", header.Filename))

	writeJSON(w, http.StatusOK, map[string]string{
		"text": s.recognize(language, int(header.Size)),
	})
}

func (s *Server) handleDebugClear(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.debug)
	s.debug = nil
	s.mu.Unlock()

	s.logger.Debug("debug cleared", "artifacts", n)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// handleStream accepts little-endian int16 mono frames and answers with
// transcript messages. Anything that is not a binary frame gets an
// error message back; the connection stays open either way.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	language := chi.URLParam(r, "language")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("stream open", "language", language)
	s.remember(fmt.Sprintf("stream %s", language))

	samples := 0
	frames := 0
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("stream closed", "language", language, "error", err)
			return
		}

		if kind != websocket.BinaryMessage || len(payload)%2 != 0 {
			s.sendJSON(conn, map[string]string{
				"error": "expected 16-bit little-endian audio frames",
			})
			continue
		}

		samples += len(payload) / 2
		frames++
		if frames%transcriptEvery == 0 {
			s.sendJSON(conn, map[string]string{
				"text": s.recognize(language, samples),
			})
		}
	}
}

func (s *Server) sendJSON(conn *websocket.Conn, v any) {
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Warn("write", "error", err)
	}
}

func (s *Server) remember(artifact string) {
	s.mu.Lock()
	s.debug = append(s.debug, artifact)
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("encode response", "error", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func Serve(port int) error {
	s := New(log.Default())
	log.Info("http", "url", fmt.Sprintf("http://localhost:%d", port))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), s.Router())
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local transcription backend",
	Long:  `This command starts a development server that mimics the transcription backend.`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		if err := Serve(port); err != nil {
			log.Fatal("Failed to start server", "error", err)
		}
	},
}

func init() {
	ServeCmd.Flags().IntP("port", "p", 4444, "Port to run the development server on")
}
