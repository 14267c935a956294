// Package transport is the client side of the backend event channel.
//
// One Client holds one WebSocket connection and re-dials it with
// exponential backoff when it drops. The joined home and every device
// subscription are remembered and re-sent after each reconnect, before
// OnConnect runs; events missed while disconnected are not replayed, so
// OnConnect is where callers refetch state.
//
// Inbound envelopes are decoded and dispatched synchronously from the
// single read loop. Subscribers therefore see events in arrival order.
// A panicking subscriber is recovered and logged; the next one still runs.
//
// Wire format is JSON {"type": ..., "payload": ...}:
//
//	entity.update        {entityId, deviceId, value, timestamp, requestId?}
//	device.discovery     {deviceId, mac, name?, entities[]}
//	device.online        {deviceId}
//	device.offline       {deviceId}
//	dashboard.changed    {homeId}
//	permissions.changed  {homeId, version}
//
// Outbound: home.join, home.leave, device.subscribe, device.unsubscribe
// and command {deviceId, entityId, command, requestId}.
package transport
