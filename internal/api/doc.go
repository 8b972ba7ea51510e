// Package api exposes the HTTP surface of the backend: the generate endpoint
// and its legacy prompt aliases, health and banner routes, the Solana wallet
// and price helpers, and the operator transcript listing. Every route shares
// one middleware chain (request log, CORS, panic recovery, per-IP rate limit
// on /api/, body size limit).
package api
