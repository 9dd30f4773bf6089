// Package httputil provides shared HTTP response/request helpers for the
// webhook handlers.
//
// Handlers use these instead of writing raw http.ResponseWriter calls so
// every endpoint produces the same JSON envelope and error structure the
// gateway integrates against.
package httputil
