// Package mirror fans the active home out to local consumers.
//
// Every store change is copied to the local MQTT broker as retained
// messages (entity values and device presence) and, for numeric and
// boolean values, to InfluxDB. Local automations publish on
// homesync/command/{home}/{device}/{entity}; those messages are issued
// through the session, so they get the same permission checks and
// pending tracking as commands from the API.
//
// Mirroring runs on its own goroutine behind a bounded queue so a slow
// broker never stalls the store's notify path.
package mirror
