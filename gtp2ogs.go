// Package gtp2ogs bridges an online Go server to local GTP engines.
//
// gtp2ogs runs as a persistent client for a registered bot account. It
// accepts challenges, maintains live games, and — for each active game —
// owns the lifecycle of a child engine process speaking the Go Text
// Protocol, synchronizing game state into it and submitting generated
// moves back to the server within the server clock.
//
// # Core packages
//
//   - [github.com/poonpunokok/gtp2ogs/gtp] — engine process adapter and
//     clock translation
//   - [github.com/poonpunokok/gtp2ogs/pool] — bounded engine pool
//   - [github.com/poonpunokok/gtp2ogs/policy] — challenge admission
//   - [github.com/poonpunokok/gtp2ogs/session] — server session controller
//   - [github.com/poonpunokok/gtp2ogs/ogs] — websocket and REST collaborators
//   - [github.com/poonpunokok/gtp2ogs/config] — configuration surface
//
// # Vocabulary
//
// The root package defines the shared vocabulary: [Move] and [Color] with
// the GTP vertex codec, [TimeControl] and [Clock] for the server's time
// model, [Challenge] for admission, [GameState] for engine state loading,
// and the error kinds every layer reports.
//
// Scheduling is cooperative: each engine adapter funnels its transitions
// through one lock, the session controller owns all server-facing state,
// and no structure is shared across those boundaries.
package gtp2ogs
