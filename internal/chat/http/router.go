package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/parleychat/parley/internal/chat/service"
	"github.com/parleychat/parley/internal/chat/store"
	"github.com/parleychat/parley/pkg/httpx"
	"github.com/parleychat/parley/pkg/slogx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	verifier     httpx.Verifier
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	store             store.Store
	AuthService       *service.AuthService
	ThreadService     *service.ThreadService
	ChatService       *service.ChatService
	AttachmentService *service.AttachmentService
	SearchService     *service.SearchService
	Provider          *service.ProviderClient
	FallbackModels    []service.ModelCard
}

func NewRouter(
	verifier httpx.Verifier,
	buildVersion string,
	st store.Store,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		verifier:     verifier,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		logger:       logger,
	}

	// Set default middleware chain
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerAuth()
	r.registerThreads()
	r.registerMessages()
	r.registerAttachments()
	r.registerSearch()
	r.registerModels()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global
// middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerAuth() {
	h := &AuthHandler{AuthService: r.AuthService}

	// POST /auth/login - strict rate limit by IP (authentication attempts)
	r.Mux.Handle("POST /auth/login",
		httpx.Chain(http.HandlerFunc(h.HandleLogin),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	// POST /auth/refresh - strict rate limit by IP (token minting)
	r.Mux.Handle("POST /auth/refresh",
		httpx.Chain(http.HandlerFunc(h.HandleRefresh),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	// POST /auth/logout - authenticated, moderate limit
	r.Mux.Handle("POST /auth/logout",
		httpx.Chain(http.HandlerFunc(h.HandleLogout),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)

	// GET /auth/me - authenticated, lenient limit
	r.Mux.Handle("GET /auth/me",
		httpx.Chain(http.HandlerFunc(h.HandleMe),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RateLimitByUser(httpx.LenientLimit),
		),
	)

	// POST /auth/register - no authn middleware, the handler resolves the
	// optional bearer itself (first registration is open)
	r.Mux.Handle("POST /auth/register",
		httpx.Chain(http.HandlerFunc(h.HandleRegister),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
}

func (r *Router) registerThreads() {
	h := &ThreadsHandler{ThreadService: r.ThreadService, ChatService: r.ChatService}
	authn := httpx.AuthnMiddleware(r.verifier)

	r.Mux.Handle("POST /threads",
		httpx.Chain(http.HandlerFunc(h.HandleCreate),
			authn,
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("GET /threads",
		httpx.Chain(http.HandlerFunc(h.HandleList),
			authn,
			httpx.RateLimitByUser(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /threads/{id}",
		httpx.Chain(http.HandlerFunc(h.HandleGet),
			authn,
			httpx.RateLimitByUser(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /threads/{id}/export",
		httpx.Chain(http.HandlerFunc(h.HandleExport),
			authn,
			httpx.RateLimitByUser(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("PATCH /threads/{id}",
		httpx.Chain(http.HandlerFunc(h.HandleUpdate),
			authn,
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("DELETE /threads/{id}",
		httpx.Chain(http.HandlerFunc(h.HandleDelete),
			authn,
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerMessages() {
	h := &MessagesHandler{
		ChatService:   r.ChatService,
		ThreadService: r.ThreadService,
	}
	authn := httpx.AuthnMiddleware(r.verifier)

	r.Mux.Handle("GET /threads/{id}/messages",
		httpx.Chain(http.HandlerFunc(h.HandleList),
			authn,
			httpx.RateLimitByUser(httpx.LenientLimit),
		),
	)

	r.Mux.Handle("PATCH /threads/{id}/messages/{message_id}",
		httpx.Chain(http.HandlerFunc(h.HandleUpdate),
			authn,
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)

	// The streaming send holds the connection open for the whole provider
	// call, so it gets the moderate per-user budget.
	r.Mux.Handle("POST /threads/{id}/messages/stream",
		httpx.Chain(http.HandlerFunc(h.HandleStream),
			authn,
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerAttachments() {
	h := &AttachmentsHandler{AttachmentService: r.AttachmentService}

	r.Mux.Handle("GET /attachments/{name}",
		httpx.Chain(http.HandlerFunc(h.HandleDownload),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RateLimitByUser(httpx.LenientLimit),
		),
	)
}

func (r *Router) registerSearch() {
	h := &SearchHandler{
		SearchService: r.SearchService,
		ThreadService: r.ThreadService,
	}

	r.Mux.Handle("POST /search/threads",
		httpx.Chain(http.HandlerFunc(h.HandleSearch),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RateLimitByUser(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerModels() {
	h := &ModelsHandler{
		Provider: r.Provider,
		Fallback: r.FallbackModels,
	}

	r.Mux.Handle("GET /models",
		httpx.Chain(http.HandlerFunc(h.HandleList),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RateLimitByUser(httpx.LenientLimit),
		),
	)
}

func (r *Router) registerSystem() {
	// Health check endpoints - lenient rate limits (monitoring systems may
	// poll frequently)
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.store),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
}
