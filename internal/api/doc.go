// Package api serves the local HTTP and WebSocket API for dashboards.
//
// It is the rendering layer over the session: the device list comes back
// as a filtered, sorted, paged table whose entities are already turned
// into widget views, and every store change is relayed over the
// WebSocket hub to clients subscribed to its channel.
//
// Routes live under /api/v1. A permission denial is answered with 403
// and a redirect hint to the page the dashboard should fall back to;
// it never takes the dashboard down.
//
//	server, err := api.New(deps)
//	if err != nil {
//	    return err
//	}
//	server.Start(ctx)
//	defer server.Close()
package api
