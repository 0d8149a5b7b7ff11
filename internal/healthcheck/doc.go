// Package healthcheck implements periodic reachability checks for the shared
// store. It logs every up/down transition and feeds the store_up gauge.
package healthcheck
