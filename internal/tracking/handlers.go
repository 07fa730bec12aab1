package tracking

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mailloop/internal/types"
)

// pixelGIF is a 1×1 transparent GIF, served for every open-pixel request.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// EventMetrics counts recorded engagement events. A nil value disables
// instrumentation.
type EventMetrics interface {
	TrackingEvent(kind types.EventKind, unique bool)
}

// Handler serves the externally reachable tracking surface: the open pixel
// and the click redirect. Both degrade to a neutral success on unknown or
// malformed tokens — no validity information leaks to third parties and the
// recipient's experience is never broken by a tracking failure.
type Handler struct {
	service     *Service
	fallbackURL string
	metrics     EventMetrics
	logger      *slog.Logger
}

// NewHandler creates a tracking Handler. fallbackURL is where click
// redirects land when the token cannot be resolved.
func NewHandler(service *Service, fallbackURL string, metrics EventMetrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Handler{
		service:     service,
		fallbackURL: fallbackURL,
		metrics:     metrics,
		logger:      logger,
	}
}

// noopMetrics is the nil-safe default.
type noopMetrics struct{}

func (noopMetrics) TrackingEvent(types.EventKind, bool) {}

// Routes mounts the tracking endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/track/open", h.HandleOpen)
	r.Get("/track/click", h.HandleClick)
}

// HandleOpen serves GET /track/open?token=<t>: records an open event if the
// token resolves, then responds with the pixel bytes and cache-disabled
// headers unconditionally.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token != "" {
		entry, err := h.service.RecordEvent(r.Context(), token, types.EventOpen)
		switch {
		case err == nil:
			h.metrics.TrackingEvent(types.EventOpen, entry.IsUnique)
			h.logger.InfoContext(r.Context(), "open recorded",
				"queue_job_id", entry.QueueJobID,
				"unique", entry.IsUnique,
			)
		case types.IsCode(err, types.ErrCodeUnknownToken):
			// Unknown tokens are expected (expired data, probing); stay quiet.
		default:
			h.logger.ErrorContext(r.Context(), "failed to record open event",
				"error", err,
			)
		}
	}

	writePixel(w)
}

// HandleClick serves GET /track/click?token=<t>: records a click event if
// the token resolves, then redirects to the decoded target, or to the
// fallback page when resolution fails. The event is recorded even if the
// target later turns out to be unreachable.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Redirect(w, r, h.fallbackURL, http.StatusFound)
		return
	}

	entry, err := h.service.RecordEvent(r.Context(), token, types.EventClick)
	if err != nil {
		if !types.IsCode(err, types.ErrCodeUnknownToken) {
			h.logger.ErrorContext(r.Context(), "failed to record click event",
				"error", err,
			)
		}
		http.Redirect(w, r, h.fallbackURL, http.StatusFound)
		return
	}

	h.metrics.TrackingEvent(types.EventClick, entry.IsUnique)
	h.logger.InfoContext(r.Context(), "click recorded",
		"queue_job_id", entry.QueueJobID,
		"unique", entry.IsUnique,
	)

	target := entry.URL
	if target == "" {
		target = h.fallbackURL
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// writePixel responds with the transparent GIF and headers that defeat
// intermediary caching, so repeat opens reach the endpoint.
func writePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixelGIF)
}
