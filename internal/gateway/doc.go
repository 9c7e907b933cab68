// Package gateway orchestrates the parley-gateway server components.
//
// # Overview
//
// The gateway package owns every long-lived component: the data store, the
// session lease backend, the provider adapters, the conversation service and
// the gRPC and HTTP servers that expose them.
//
// # Gateway Struct
//
//	type Gateway struct {
//	    config       *config.Config
//	    store        store.Store
//	    locker       lease.Locker
//	    conversation *conversation.Service
//	    events       *conversation.EventBroadcaster
//	    grpcServer   *grpc.Server
//	    httpServer   *http.Server
//	    // ...
//	}
//
// New builds everything from config. NewWithAdapters takes an open store and
// explicit adapters, which is how tests substitute fakes for the OpenAI
// clients.
//
// # HTTP API
//
// Routes are registered in api.go under /api/:
//
//   - POST /api/agents, GET /api/agents
//   - GET, PATCH, DELETE /api/agents/{id}
//   - POST, GET /api/agents/{id}/sessions
//   - GET, PATCH /api/sessions/{id}
//   - POST /api/sessions/{id}/close
//   - POST /api/sessions/{id}/turns - run one cycle and return both turns
//   - GET /api/sessions/{id}/turns?after=&limit= - ordered history page
//   - GET /api/sessions/{id}/events - SSE stream of cycle stages
//   - GET /api/audio/{id} - stored audio artifact
//   - /api/agents/{agentID}/sessions/{id}[/close|/turns|/events] - the session
//     routes above, answering 404 when the session belongs to another agent
//   - GET /health, GET /health/ready - no auth
//
// When auth.jwt_secret is set every /api/ route requires a bearer token.
//
// # Errors
//
// Cycle failures are returned as:
//
//	{"error": "...", "kind": "ModelUnavailable", "stage": "completing", "user_turn_recorded": true}
//
// Kinds map to statuses: validation and format errors 400, SessionNotFound
// 404, SessionClosed and SessionBusy 409, ContextTooLarge 413,
// ModelRejected 422, transcription and synthesis failures 502,
// ModelUnavailable 503 and anything else 500. Busy and unavailable responses
// carry Retry-After.
//
// # gRPC
//
// The gRPC server carries the standard health service, reporting SERVING
// for the server and for parley.Gateway until shutdown begins.
//
// # Tailscale
//
// With tailscale.enabled both servers listen on the tailnet through tsnet
// instead of server.grpc_addr and server.http_addr. HTTPS uses Tailscale
// certificates; funnel exposes the HTTP server publicly.
//
// # Lifecycle
//
// Run blocks until its context is canceled or a server fails, then shuts
// down. Shutdown drains HTTP first so in-flight cycles finish, stops gRPC,
// closes event subscriptions, then closes the lease backend and the store.
package gateway
