/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package rpcerr provides the domain error kinds returned by business handlers
// and their translation into gRPC statuses.
package rpcerr
