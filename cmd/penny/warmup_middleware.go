package penny

import (
	"context"
	"net/http"

	"github.com/pennyhq/penny/internal/appspec"
	"github.com/pennyhq/penny/internal/warmup"
)

// warmupMiddleware fires a bounded warm-up fan-out (spec §4.7) for every
// inbound request's host, without delaying the request itself: the proxy
// front-end handles the request on the calling goroutine exactly as it
// would without warm-up, while the fan-out runs independently in the
// background.
func warmupMiddleware(next http.Handler, fanner *warmup.Fanner) http.Handler {
	const fanoutTTL = 1
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := appspec.NormalizeHost(r.Host)
		go fanner.Fanout(context.Background(), host, fanoutTTL)
		next.ServeHTTP(w, r)
	})
}
