/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides the per-client sliding window log limiter used by the gRPC rate limit interceptor.
//
// Every client has its own window of admitted request timestamps guarded by its own mutex,
// so admission checks for unrelated clients never contend. Idle windows are evicted by a throttled cleanup pass.
package ratelimit
