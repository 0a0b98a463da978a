// Package gateway runs the hive-gateway server.
//
// # Overview
//
// The Gateway owns every long-lived component: the metadata store, the
// instance orchestrator (with the Matrix engine), the webhook delivery queue,
// the prometheus collector and the HTTP and gRPC servers. New builds all of
// them from config; NewWithOptions lets tests swap in an in-memory store and
// a fake engine.
//
// # HTTP API
//
// Every /api route except the SSO pairing callback requires an API key or a
// tenant-scoped JWT (see package auth). Handlers check that the caller may
// address the instance in the request before calling the orchestrator.
//
//	GET  /api/instances                 list instances visible to the caller
//	POST /api/instance/init             create or resume an instance
//	GET  /api/instance/status?id=       status snapshot
//	GET  /api/instance/qr?id=           pairing artifact as text
//	GET  /api/instance/qr.png?id=       pairing artifact as a QR PNG
//	GET  /api/instance/pair/callback    SSO redirect target (no auth)
//	POST /api/instance/logout           remote logout, credentials purged
//	POST /api/instance/restart          tear down and reconnect
//	POST /api/instance/delete           remove everything (also DELETE)
//	POST /api/instance/config           update webhook, proxy, group filter
//	POST /api/send/{text,media,audio}   outbound messages
//	POST /api/check-number              recipient existence check
//	GET  /api/system/metrics            queue, cache and status counts
//
// Orchestrator errors map to 400 (validation), 404 (unknown instance), 409
// (not connected, no pairing artifact), 422 (recipient not registered), 429
// (rate limited) and 500. Refusals caused by instance state include the
// current status in the response body.
//
// # gRPC
//
// When server.grpc_addr is set (always on tailscale) the gateway serves the
// standard gRPC health service. The empty service name reports the gateway
// itself; "hive.instance/<id>" is SERVING while that instance is connected.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens there instead of on server.http_addr. Pairing callbacks then point
// at the node's DNS name unless server.public_url is set.
package gateway
