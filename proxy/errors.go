package proxy

import (
	"net/http"

	"toolcall-proxy/router"
	"toolcall-proxy/types"
)

// writeUpstreamError translates a router.Dispatch failure into an HTTP
// response. A terminal client error (KindClientError) is forwarded
// exactly as the rejecting channel returned it, since every other
// channel would reject the same request identically; every other kind
// is rendered through the proxy's own OpenAI-shaped error envelope.
func writeUpstreamError(w http.ResponseWriter, err error) {
	ue, ok := err.(*router.UpstreamError)
	if !ok {
		types.WriteError(w, http.StatusBadGateway, types.ErrorDetail{
			Message: err.Error(),
			Type:    "upstream_error",
		})
		return
	}

	if ue.Kind == router.KindClientError {
		for k, vals := range ue.RawHeader {
			if k == "Content-Length" {
				continue
			}
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(ue.RawStatus)
		_, _ = w.Write(ue.RawBody)
		return
	}

	body := ue.OpenAIBody()
	types.WriteError(w, ue.StatusCode(), body.Error)
}
