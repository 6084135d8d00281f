package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	dr "github.com/xmidt-org/talaria/devicerelay"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Client         dr.ResourceClient
	WebSocket      http.Handler
	RequestTimeout time.Duration
	Logger         *logrus.Entry
}

// NewRouter serves the device listing and the websocket endpoint.
func NewRouter(cfg RouterConfig) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/api/devices", DevicesHandler(cfg.Client, cfg.RequestTimeout, cfg.Logger)).Methods(http.MethodGet)
	router.Handle("/ws", cfg.WebSocket).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(router)
}
