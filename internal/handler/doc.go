// Package handler implements the HTTP handlers of the analytics backend and
// the request ID and access log middleware wrapped around them.
//
// Handlers never reach for global state: the store, metric repository,
// cache, breakers and external client are passed in through Deps.
package handler
