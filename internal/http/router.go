package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type RouterConfig struct {
	RequestTimeout time.Duration
	MaxBodySize    int64
}

// NewRouter wires the cart persistence API:
//
//	GET    /cart?email=<e>
//	POST   /cart
//	PUT    /cart
//	DELETE /cart
func NewRouter(cart *CartHandler, auth *Authenticator, log *zap.Logger, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	if cfg.MaxBodySize > 0 {
		r.Use(middleware.RequestSize(cfg.MaxBodySize))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/cart", func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Get("/", cart.GetCart)
		r.Post("/", cart.AddLine)
		r.Put("/", cart.UpdateQuantity)
		r.Delete("/", cart.RemoveLine)
	})

	return otelhttp.NewHandler(r, "cart-service")
}
