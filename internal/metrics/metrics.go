// Package metrics exposes Prometheus collectors for the auth core.
//
// Collectors are registered on the default registry; the front-end decides
// whether to serve them. The auth core only increments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values for auth counters.
const (
	ResultOK       = "ok"
	ResultInvalid  = "invalid_credentials"
	ResultInternal = "internal_error"
)

var (
	// Logins counts login attempts by outcome.
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_auth_logins_total",
		Help: "Login attempts processed by the auth sub-daemon.",
	}, []string{"result"})

	// Refreshes counts refresh-token exchanges by outcome.
	Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_auth_refreshes_total",
		Help: "Refresh-token exchanges processed by the auth sub-daemon.",
	}, []string{"result"})

	// Logouts counts logout requests.
	Logouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_auth_logouts_total",
		Help: "Logout requests processed by the auth sub-daemon.",
	})

	// SessionsLoaded tracks the number of sessions currently indexed.
	SessionsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quill_auth_sessions_loaded",
		Help: "Sessions currently held in the session store's indices.",
	})
)
