/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimitstats provides sinks for rate limit admission decisions.
// Decisions are only recorded here, admission itself is always made by the process-local limiter.
package ratelimitstats
